package bacnet

import "fmt"

// ObjectType is the numeric BACnet object type code used on the wire.
type ObjectType uint16

const (
	ObjectAnalogInput      ObjectType = 0
	ObjectAnalogOutput     ObjectType = 1
	ObjectAnalogValue      ObjectType = 2
	ObjectBinaryInput      ObjectType = 3
	ObjectBinaryOutput     ObjectType = 4
	ObjectBinaryValue      ObjectType = 5
	ObjectDevice           ObjectType = 8
	ObjectMultiStateInput  ObjectType = 13
	ObjectMultiStateOutput ObjectType = 14
	ObjectMultiStateValue  ObjectType = 19
	ObjectAccumulator      ObjectType = 23
	ObjectPulseConverter   ObjectType = 24
)

// PropertyID is the numeric BACnet property identifier used on the wire.
type PropertyID uint32

const (
	PropertyDescription      PropertyID = 28
	PropertyModelName        PropertyID = 70
	PropertyObjectIdentifier PropertyID = 75
	PropertyObjectName       PropertyID = 77
	PropertyObjectType       PropertyID = 79
	PropertyOutOfService     PropertyID = 81
	PropertyPresentValue     PropertyID = 85
	PropertyReliability      PropertyID = 103
	PropertyStatusFlags      PropertyID = 111
	PropertyUnits            PropertyID = 117
	PropertyVendorName       PropertyID = 121
)

// UnknownObjectTypeError is returned when an object type name has no known
// numeric code. The lookup fails before any network call is made.
type UnknownObjectTypeError struct {
	Name string
}

func (e UnknownObjectTypeError) Error() string {
	return fmt.Sprintf("unknown bacnet object type %q", e.Name)
}

// UnknownPropertyError is returned when a property name has no known numeric
// identifier.
type UnknownPropertyError struct {
	Name string
}

func (e UnknownPropertyError) Error() string {
	return fmt.Sprintf("unknown bacnet property %q", e.Name)
}

// ObjectTypeFromName maps an object type name onto its wire code.
func ObjectTypeFromName(name string) (ObjectType, error) {
	switch name {
	case "analog-input":
		return ObjectAnalogInput, nil
	case "analog-output":
		return ObjectAnalogOutput, nil
	case "analog-value":
		return ObjectAnalogValue, nil
	case "binary-input":
		return ObjectBinaryInput, nil
	case "binary-output":
		return ObjectBinaryOutput, nil
	case "binary-value":
		return ObjectBinaryValue, nil
	case "device":
		return ObjectDevice, nil
	case "multi-state-input":
		return ObjectMultiStateInput, nil
	case "multi-state-output":
		return ObjectMultiStateOutput, nil
	case "multi-state-value":
		return ObjectMultiStateValue, nil
	case "accumulator":
		return ObjectAccumulator, nil
	case "pulse-converter":
		return ObjectPulseConverter, nil
	}
	return 0, UnknownObjectTypeError{Name: name}
}

// PropertyFromName maps a property name onto its wire identifier.
func PropertyFromName(name string) (PropertyID, error) {
	switch name {
	case "description":
		return PropertyDescription, nil
	case "model-name":
		return PropertyModelName, nil
	case "object-identifier":
		return PropertyObjectIdentifier, nil
	case "object-name":
		return PropertyObjectName, nil
	case "object-type":
		return PropertyObjectType, nil
	case "out-of-service":
		return PropertyOutOfService, nil
	case "present-value":
		return PropertyPresentValue, nil
	case "reliability":
		return PropertyReliability, nil
	case "status-flags":
		return PropertyStatusFlags, nil
	case "units":
		return PropertyUnits, nil
	case "vendor-name":
		return PropertyVendorName, nil
	}
	return 0, UnknownPropertyError{Name: name}
}
