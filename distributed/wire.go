package distributed

import (
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Frame ops on the mesh wire.
const (
	opHello uint8 = iota + 1
	opHelloAck
	opAllGather
	opReduceScatter
	opAllReduce
	opResult
)

// frame is the msgpack wire unit of the Mesh transport. Tensors travel as
// raw row-major bytes next to their dtype and dimensions; the sequence
// number detects non-uniform collective calls across ranks.
type frame struct {
	Session string `msgpack:"session"`
	Seq     uint64 `msgpack:"seq"`
	Op      uint8  `msgpack:"op"`
	Rank    int    `msgpack:"rank"`
	World   int    `msgpack:"world"`
	DType   int32  `msgpack:"dtype"`
	Dims    []int  `msgpack:"dims"`
	Data    []byte `msgpack:"data"`
}

func tensorToFrame(t *tensors.Tensor, f *frame) {
	s := t.Shape()
	f.DType = int32(s.DType)
	f.Dims = append([]int(nil), s.Dimensions...)
	t.ConstBytes(func(data []byte) {
		f.Data = append([]byte(nil), data...)
	})
}

func frameToTensor(f *frame) (*tensors.Tensor, error) {
	shape := shapes.Make(dtypes.DType(f.DType), f.Dims...)
	t := tensors.FromShape(shape)
	if int(t.Memory()) != len(f.Data) {
		return nil, errors.Errorf("frame carries %d bytes for shape %s, expected %d", len(f.Data), shape, t.Memory())
	}
	t.MutableBytes(func(dst []byte) {
		copy(dst, f.Data)
	})
	return t, nil
}

func writeFrame(enc *msgpack.Encoder, f *frame) error {
	return errors.Wrap(enc.Encode(f), "writing mesh frame")
}

func readFrame(dec *msgpack.Decoder) (*frame, error) {
	f := &frame{}
	if err := dec.Decode(f); err != nil {
		return nil, errors.Wrap(err, "reading mesh frame")
	}
	return f, nil
}
