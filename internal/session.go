package sessioncontroller

import (
	"fmt"
	"time"
)

// DeviceType identifies the kind of client device a session belongs to.
//
// The numeric values are written on the wire and must remain stable.
type DeviceType int8

const (
	DeviceTypeAndroid DeviceType = iota
	DeviceTypeIOS
	DeviceTypeDesktop
	DeviceTypeBrowser
	DeviceTypeOthers
	DeviceTypeUnknown
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeAndroid:
		return "ANDROID"
	case DeviceTypeIOS:
		return "IOS"
	case DeviceTypeDesktop:
		return "DESKTOP"
	case DeviceTypeBrowser:
		return "BROWSER"
	case DeviceTypeOthers:
		return "OTHERS"
	}
	return "UNKNOWN"
}

// DeviceTypeFromNumber maps a wire number back to a DeviceType. Unrecognized
// numbers map to DeviceTypeUnknown rather than failing the decode.
func DeviceTypeFromNumber(n int8) DeviceType {
	t := DeviceType(n)
	switch t {
	case DeviceTypeAndroid, DeviceTypeIOS, DeviceTypeDesktop, DeviceTypeBrowser, DeviceTypeOthers:
		return t
	}
	return DeviceTypeUnknown
}

// UserStatus is the presence status a user asks for at login.
type UserStatus int8

const (
	UserStatusAvailable UserStatus = iota
	UserStatusBusy
	UserStatusDoNotDisturb
	UserStatusAway
	UserStatusInvisible
	UserStatusOffline
)

// Coordinates is an optional lat/long pair attached to a login.
type Coordinates struct {
	Latitude  float32
	Longitude float32
}

// UserSession is the live state of one connected device for one user on one
// gateway node.
//
// Version is the logical login sequence number: when two writers race on the
// same session key, the higher Version wins regardless of arrival order.
type UserSession struct {
	Version          int64
	UserID           int64
	DeviceType       DeviceType
	DeviceDetails    map[string]string
	LoginCoordinates *Coordinates
	LoginTime        time.Time
	LastHeartbeat    time.Time
}

// UserLoginInfo describes a login attempt before a session exists. It is
// consumed once by the authentication step and never persisted.
type UserLoginInfo struct {
	Version             int
	UserID              int64
	Password            string
	LoggingInDeviceType DeviceType
	DeviceDetails       map[string]string
	UserStatus          UserStatus
	Coordinates         *Coordinates
	IP                  string
}

// String implements fmt.Stringer with the password redacted so login info
// can never leak a credential into a log line.
func (i *UserLoginInfo) String() string {
	return fmt.Sprintf("UserLoginInfo{version=%d, userId=%d, deviceType=%s, ip=%s}",
		i.Version, i.UserID, i.LoggingInDeviceType, i.IP)
}
