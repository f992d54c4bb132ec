package checkpoints

import (
	"bytes"
	"encoding/json"
	"math"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// The binary format is a protobuf wire message preceded by binaryMagic.
// Field numbers are fixed; unknown fields are skipped on read.
//
//	Checkpoint:     1 metadata, 2 training_state, 3 weights (repeated),
//	                4 optimizer_state, 5 model_specs (JSON bytes)
//	Metadata:       1 run_id, 2 version, 3 framework, 4 created_at (unix ns),
//	                5 description, 6 tags (repeated)
//	TrainingState:  1 epoch, 2 step, 3 phase, 4 image_scale, 5 total_steps,
//	                6 learning_rate, 7 best_loss
//	Tensor:         1 name, 2 shape (packed), 3 data (packed fixed32),
//	                4 layer or state_type, 5 type
//	OptimizerState: 1 type, 2 parameters (JSON bytes), 3 state (repeated Tensor)
var binaryMagic = []byte("GYCK\x01")

var errBadMagic = errors.New("not a binary checkpoint")

func marshalBinary(c *Checkpoint) ([]byte, error) {
	b := append([]byte(nil), binaryMagic...)

	b = appendMessage(b, 1, appendMetadata(nil, c.Metadata))
	b = appendMessage(b, 2, appendTrainingState(nil, c.TrainingState))
	for _, w := range c.Weights {
		b = appendMessage(b, 3, appendTensor(nil, w.Name, w.Shape, w.Data, w.Layer, w.Type))
	}
	if c.OptimizerState != nil {
		msg, err := appendOptimizerState(nil, c.OptimizerState)
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, 4, msg)
	}
	if len(c.ModelSpecs) > 0 {
		specs, err := json.Marshal(c.ModelSpecs)
		if err != nil {
			return nil, errors.Wrap(err, "model specs")
		}
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, specs)
	}
	return b, nil
}

func unmarshalBinary(data []byte, c *Checkpoint) error {
	if !bytes.HasPrefix(data, binaryMagic) {
		return errBadMagic
	}
	return consumeFields(data[len(binaryMagic):], func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return 0, nil
		}
		msg, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		var err error
		switch num {
		case 1:
			err = readMetadata(msg, &c.Metadata)
		case 2:
			err = readTrainingState(msg, &c.TrainingState)
		case 3:
			var w WeightTensor
			err = readTensor(msg, &w.Name, &w.Shape, &w.Data, &w.Layer, &w.Type)
			c.Weights = append(c.Weights, w)
		case 4:
			c.OptimizerState = &OptimizerState{}
			err = readOptimizerState(msg, c.OptimizerState)
		case 5:
			err = errors.Wrap(json.Unmarshal(msg, &c.ModelSpecs), "model specs")
		default:
			return 0, nil
		}
		return n, err
	})
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func appendMetadata(b []byte, m CheckpointMetadata) []byte {
	b = appendString(b, 1, m.RunID)
	b = appendString(b, 2, m.Version)
	b = appendString(b, 3, m.Framework)
	if !m.CreatedAt.IsZero() {
		b = appendInt(b, 4, m.CreatedAt.UnixNano())
	}
	b = appendString(b, 5, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

func appendTrainingState(b []byte, s TrainingState) []byte {
	b = appendInt(b, 1, int64(s.Epoch))
	b = appendInt(b, 2, int64(s.Step))
	b = appendInt(b, 3, int64(s.Phase))
	b = appendInt(b, 4, int64(s.ImageScale))
	b = appendInt(b, 5, int64(s.TotalSteps))
	b = appendFloat(b, 6, s.LearningRate)
	return appendFloat(b, 7, s.BestLoss)
}

func appendTensor(b []byte, name string, shape []int, data []float32, kind, typ string) []byte {
	b = appendString(b, 1, name)

	var packed []byte
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(4*len(data)))
	for _, v := range data {
		b = protowire.AppendFixed32(b, math.Float32bits(v))
	}

	b = appendString(b, 4, kind)
	return appendString(b, 5, typ)
}

func appendOptimizerState(b []byte, s *OptimizerState) ([]byte, error) {
	b = appendString(b, 1, s.Type)
	params, err := json.Marshal(s.Parameters)
	if err != nil {
		return nil, errors.Wrap(err, "optimizer parameters")
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, params)
	for _, t := range s.StateData {
		b = appendMessage(b, 3, appendTensor(nil, t.Name, t.Shape, t.Data, t.StateType, ""))
	}
	return b, nil
}

// consumeFields walks a message calling fn for each field. fn returns the
// number of bytes it consumed, or 0 to skip a field it does not know.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func readString(b []byte, dst *string) int {
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

func readInt(b []byte, dst *int) int {
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = int(protowire.DecodeZigZag(v))
	}
	return n
}

func readFloat(b []byte, dst *float32) int {
	v, n := protowire.ConsumeFixed32(b)
	if n >= 0 {
		*dst = math.Float32frombits(v)
	}
	return n
}

func readMetadata(b []byte, m *CheckpointMetadata) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return readString(b, &m.RunID), nil
		case num == 2 && typ == protowire.BytesType:
			return readString(b, &m.Version), nil
		case num == 3 && typ == protowire.BytesType:
			return readString(b, &m.Framework), nil
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 {
				m.CreatedAt = time.Unix(0, protowire.DecodeZigZag(v))
			}
			return n, nil
		case num == 5 && typ == protowire.BytesType:
			return readString(b, &m.Description), nil
		case num == 6 && typ == protowire.BytesType:
			var tag string
			n := readString(b, &tag)
			m.Tags = append(m.Tags, tag)
			return n, nil
		}
		return 0, nil
	})
}

func readTrainingState(b []byte, s *TrainingState) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.VarintType {
			switch num {
			case 1:
				return readInt(b, &s.Epoch), nil
			case 2:
				return readInt(b, &s.Step), nil
			case 3:
				return readInt(b, &s.Phase), nil
			case 4:
				return readInt(b, &s.ImageScale), nil
			case 5:
				return readInt(b, &s.TotalSteps), nil
			}
		}
		if typ == protowire.Fixed32Type {
			switch num {
			case 6:
				return readFloat(b, &s.LearningRate), nil
			case 7:
				return readFloat(b, &s.BestLoss), nil
			}
		}
		return 0, nil
	})
}

func readTensor(b []byte, name *string, shape *[]int, data *[]float32, kind, typ *string) error {
	return consumeFields(b, func(num protowire.Number, wt protowire.Type, b []byte) (int, error) {
		if wt != protowire.BytesType {
			return 0, nil
		}
		switch num {
		case 1:
			return readString(b, name), nil
		case 2:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			dims := []int{}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return m, nil
				}
				dims = append(dims, int(v))
				packed = packed[m:]
			}
			*shape = dims
			return n, nil
		case 3:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			if len(packed)%4 != 0 {
				return 0, errors.Errorf("tensor %q data is %d bytes, not a multiple of 4", *name, len(packed))
			}
			values := make([]float32, len(packed)/4)
			for i := range values {
				v, _ := protowire.ConsumeFixed32(packed[4*i:])
				values[i] = math.Float32frombits(v)
			}
			*data = values
			return n, nil
		case 4:
			return readString(b, kind), nil
		case 5:
			return readString(b, typ), nil
		}
		return 0, nil
	})
}

func readOptimizerState(b []byte, s *OptimizerState) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return 0, nil
		}
		switch num {
		case 1:
			return readString(b, &s.Type), nil
		case 2:
			params, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			return n, errors.Wrap(json.Unmarshal(params, &s.Parameters), "optimizer parameters")
		case 3:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			var t OptimizerTensor
			var unused string
			err := readTensor(msg, &t.Name, &t.Shape, &t.Data, &t.StateType, &unused)
			s.StateData = append(s.StateData, t)
			return n, err
		}
		return 0, nil
	})
}
