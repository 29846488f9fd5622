package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"device-client-coap/eventqueue"
	"device-client-coap/lwm2m"
	"device-client-coap/registry"
)

var (
	collisionCountPath  = lwm2m.Path{Object: lwm2m.DigitalInput_3200, Resource: 5501}
	ledStatePath        = lwm2m.Path{Object: lwm2m.DigitalOutput_3201, Resource: 5853}
	executeFunctionPath = lwm2m.Path{Object: lwm2m.GenericSensor_3300, Resource: 5605}
	accelerometerXPath  = lwm2m.Path{Object: lwm2m.Accelerometer_3313, Resource: 5702}
	accelerometerYPath  = lwm2m.Path{Object: lwm2m.Accelerometer_3313, Resource: 5703}
	accelerometerZPath  = lwm2m.Path{Object: lwm2m.Accelerometer_3313, Resource: 5704}
)

type resourceDef struct {
	path    lwm2m.Path
	name    string
	mode    registry.Mode
	initial string
}

func deviceResources(led int) []resourceDef {
	sensor := registry.Mode{Methods: lwm2m.GET, Type: lwm2m.Float, Observable: true}
	return []resourceDef{
		{collisionCountPath, "collision_count", registry.Mode{Methods: lwm2m.GET, Type: lwm2m.Integer, Observable: true}, "0"},
		{ledStatePath, "led_state", registry.Mode{Methods: lwm2m.GET | lwm2m.PUT, Type: lwm2m.Integer}, strconv.Itoa(led)},
		{executeFunctionPath, "execute_function", registry.Mode{Methods: lwm2m.POST, Type: lwm2m.Opaque}, ""},
		{accelerometerXPath, "accelerometer_x", sensor, "0"},
		{accelerometerYPath, "accelerometer_y", sensor, "0"},
		{accelerometerZPath, "accelerometer_z", sensor, "0"},
	}
}

type createFunc func(path lwm2m.Path, name string, mode registry.Mode) (*registry.Resource, error)

// declareResources creates every device resource and returns their initial
// values as one batch.
func declareResources(create createFunc, led int) ([]registry.Update, error) {
	var initial []registry.Update
	for _, def := range deviceResources(led) {
		if _, err := create(def.path, def.name, def.mode); err != nil {
			return nil, fmt.Errorf("create %s: %w", def.name, err)
		}
		if def.initial != "" {
			initial = append(initial, registry.Update{Path: def.path, Value: def.initial})
		}
	}
	return initial, nil
}

// printResources writes the resource table of a freshly booted device.
func printResources(w io.Writer) error {
	reg := registry.New(eventqueue.New())
	initial, err := declareResources(reg.Create, 0)
	if err != nil {
		return err
	}
	if err := reg.SetValues(initial); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tNAME\tMETHODS\tTYPE\tOBSERVABLE\tVALUE")
	for _, s := range reg.Resources() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n",
			s.Path, s.Name, s.Mode.Methods, s.Mode.Type, s.Mode.Observable, s.Value)
	}
	return tw.Flush()
}
