package model

import "time"

// DeviceStatus represents the connectivity of a device
type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusOffline DeviceStatus = "offline"
)

// DeviceState tracks when a device was last heard from
type DeviceState struct {
	DeviceID        string       `json:"device_id"`
	Status          DeviceStatus `json:"status"`
	LastSeen        time.Time    `json:"last_seen"`
	LastPersistedAt time.Time    `json:"last_persisted_at"`
}
