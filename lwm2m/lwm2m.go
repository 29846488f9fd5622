package lwm2m

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type LwM2MObjectID uint16

// IPSO objects exposed by the collision monitor.
const (
	DigitalInput_3200  LwM2MObjectID = 3200
	DigitalOutput_3201 LwM2MObjectID = 3201
	GenericSensor_3300 LwM2MObjectID = 3300
	Accelerometer_3313 LwM2MObjectID = 3313
)

var ErrInvalidPath = errors.New("invalid resource path")

// Path addresses a single resource as object/instance/resource.
type Path struct {
	Object   LwM2MObjectID
	Instance uint16
	Resource uint16
}

// ParsePath parses paths of the form "3200/0/5501". A leading slash is
// accepted.
func ParsePath(s string) (Path, error) {
	parts := strings.Split(strings.TrimPrefix(s, "/"), "/")
	if len(parts) != 3 {
		return Path{}, fmt.Errorf("%w: %q", ErrInvalidPath, s)
	}
	var ids [3]uint16
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return Path{}, fmt.Errorf("%w: %q", ErrInvalidPath, s)
		}
		ids[i] = uint16(n)
	}
	return Path{Object: LwM2MObjectID(ids[0]), Instance: ids[1], Resource: ids[2]}, nil
}

// MustParsePath is like ParsePath but panics on malformed input.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Path) String() string {
	return fmt.Sprintf("%d/%d/%d", p.Object, p.Instance, p.Resource)
}

// Less orders paths numerically.
func (p Path) Less(o Path) bool {
	if p.Object != o.Object {
		return p.Object < o.Object
	}
	if p.Instance != o.Instance {
		return p.Instance < o.Instance
	}
	return p.Resource < o.Resource
}

// Method is the set of operations a remote peer may perform on a resource.
type Method uint8

const (
	GET Method = 1 << iota
	PUT
	POST
)

func (m Method) Allows(op Method) bool {
	return m&op == op
}

func (m Method) String() string {
	if m == 0 {
		return "NONE"
	}
	var names []string
	for _, v := range []struct {
		m    Method
		name string
	}{{GET, "GET"}, {PUT, "PUT"}, {POST, "POST"}} {
		if m&v.m != 0 {
			names = append(names, v.name)
		}
	}
	return strings.Join(names, "|")
}

// ValueType is the scalar representation of a resource value.
type ValueType uint8

const (
	String ValueType = iota
	Integer
	Float
	Opaque
)

func (t ValueType) String() string {
	switch t {
	case Integer:
		return "integer"
	case Float:
		return "float"
	case Opaque:
		return "opaque"
	default:
		return "string"
	}
}

func FormatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

// FormatFloat renders readings with two decimals, the resolution of the
// tilt sensor.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// DeliveryStatus reports what happened to a value-change notification.
type DeliveryStatus int

const (
	StatusInit DeliveryStatus = iota
	StatusBuildError
	StatusResendQueueFull
	StatusSent
	StatusDelivered
	StatusSendFailed
	StatusSubscribed
	StatusUnsubscribed
)

func (s DeliveryStatus) String() string {
	switch s {
	case StatusInit:
		return "Init"
	case StatusBuildError:
		return "Build error"
	case StatusResendQueueFull:
		return "Resend queue full"
	case StatusSent:
		return "Sent"
	case StatusDelivered:
		return "Delivered"
	case StatusSendFailed:
		return "Send failed"
	case StatusSubscribed:
		return "Subscribed"
	case StatusUnsubscribed:
		return "Unsubscribed"
	default:
		return "Unknown"
	}
}
