// Package envrpc exposes an env.Environment over gRPC and provides the
// matching client, so the trainer can drive a simulator running elsewhere
// (for example a Gazebo bridge).
//
// Messages use protobuf well-known types: Reset takes Empty, Step takes an
// Int32Value action, and both return a Struct with the fields "laser",
// "target", "reward" and "done".
package envrpc

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cartridge/mantis/internal/env"
)

const (
	serviceName = "mantis.env.v1.Environment"
	resetMethod = "/" + serviceName + "/Reset"
	stepMethod  = "/" + serviceName + "/Step"
	fieldLaser  = "laser"
	fieldTarget = "target"
	fieldReward = "reward"
	fieldDone   = "done"
)

func stepToProto(res env.StepResult) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldLaser:  floatList(res.Laser),
		fieldTarget: floatList(res.Target),
		fieldReward: structpb.NewNumberValue(res.Reward),
		fieldDone:   structpb.NewBoolValue(res.Done),
	}}
}

func stepFromProto(s *structpb.Struct) (env.StepResult, error) {
	fields := s.GetFields()

	laser, err := floats(fields[fieldLaser])
	if err != nil {
		return env.StepResult{}, fmt.Errorf("%s: %w", fieldLaser, err)
	}
	target, err := floats(fields[fieldTarget])
	if err != nil {
		return env.StepResult{}, fmt.Errorf("%s: %w", fieldTarget, err)
	}

	return env.StepResult{
		Observation: env.Observation{Laser: laser, Target: target},
		Reward:      fields[fieldReward].GetNumberValue(),
		Done:        fields[fieldDone].GetBoolValue(),
	}, nil
}

func floatList(values []float64) *structpb.Value {
	list := make([]*structpb.Value, len(values))
	for i, v := range values {
		list[i] = structpb.NewNumberValue(v)
	}
	return structpb.NewListValue(&structpb.ListValue{Values: list})
}

func floats(v *structpb.Value) ([]float64, error) {
	if v == nil {
		return nil, fmt.Errorf("missing field")
	}
	list := v.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("expected a list")
	}
	out := make([]float64, len(list.GetValues()))
	for i, item := range list.GetValues() {
		n, ok := item.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("element %d is not a number", i)
		}
		out[i] = n.NumberValue
	}
	return out, nil
}
