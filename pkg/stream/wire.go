// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stream

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// TileIndexDType is the fixed-width unsigned integer type the tile-side consumers use for every
// integer field of a stream.
const TileIndexDType = dtypes.Uint32

// ValidateIndexDType returns an ErrPrecondition if indexDType can't be used for stream integer fields.
func ValidateIndexDType(indexDType dtypes.DType) error {
	switch indexDType {
	case dtypes.Uint16, dtypes.Uint32, dtypes.Uint64:
		return nil
	}
	return Preconditionf("index dtype %s is not supported, it must be one of Uint16, Uint32 or Uint64", indexDType)
}

// ValidateValueDType returns an ErrPrecondition if valueDType can't be used for stream floating point fields.
func ValidateValueDType(valueDType dtypes.DType) error {
	switch valueDType {
	case dtypes.Float16, dtypes.Float32, dtypes.Float64:
		return nil
	}
	return Preconditionf("value dtype %s is not supported, it must be one of Float16, Float32 or Float64", valueDType)
}

// maxIndex returns the largest value representable by an unsigned integer of type I.
func maxIndex[I constraints.Unsigned]() uint64 {
	return uint64(^I(0))
}

// MaxIndex returns the largest value an integer field of the given index dtype can hold.
func MaxIndex(indexDType dtypes.DType) uint64 {
	switch indexDType {
	case dtypes.Uint16:
		return maxIndex[uint16]()
	case dtypes.Uint32:
		return maxIndex[uint32]()
	default:
		return maxIndex[uint64]()
	}
}

// Writer serializes a sequence of typed fields into a growable buffer.
//
// Integer fields are written with the configured index dtype and floating point fields with the configured
// value dtype, little endian and without padding. Errors are sticky: after the first error every write is
// a no-op, and the error is returned by Err.
type Writer struct {
	buf        []byte
	indexDType dtypes.DType
	valueDType dtypes.DType
	maxIndex   uint64
	err        error
}

// NewWriter returns a Writer for the given field dtypes.
func NewWriter(indexDType, valueDType dtypes.DType) (*Writer, error) {
	if err := ValidateIndexDType(indexDType); err != nil {
		return nil, err
	}
	if err := ValidateValueDType(valueDType); err != nil {
		return nil, err
	}
	return &Writer{indexDType: indexDType, valueDType: valueDType, maxIndex: MaxIndex(indexDType)}, nil
}

// Grow makes room for at least n more bytes without reallocating.
func (w *Writer) Grow(n int) {
	if cap(w.buf)-len(w.buf) < n {
		grown := make([]byte, len(w.buf), len(w.buf)+n)
		copy(grown, w.buf)
		w.buf = grown
	}
}

// Index writes one integer field.
func (w *Writer) Index(v int) {
	if w.err != nil {
		return
	}
	if v < 0 || uint64(v) > w.maxIndex {
		w.err = Preconditionf("value %d doesn't fit an index field of type %s", v, w.indexDType)
		return
	}
	switch w.indexDType {
	case dtypes.Uint16:
		w.buf = ByteOrder.AppendUint16(w.buf, uint16(v))
	case dtypes.Uint32:
		w.buf = ByteOrder.AppendUint32(w.buf, uint32(v))
	default:
		w.buf = ByteOrder.AppendUint64(w.buf, uint64(v))
	}
}

// Indices writes one integer field per element of vs.
func (w *Writer) Indices(vs []int) {
	for _, v := range vs {
		w.Index(v)
	}
}

// WriteValues writes one floating point field per element of vs, converted to the writer's value dtype.
func WriteValues[T Float](w *Writer, vs []T) {
	if w.err != nil {
		return
	}
	switch w.valueDType {
	case dtypes.Float16:
		for _, v := range vs {
			w.buf = ByteOrder.AppendUint16(w.buf, float16.Fromfloat32(float32(v)).Bits())
		}
	case dtypes.Float32:
		for _, v := range vs {
			w.buf = ByteOrder.AppendUint32(w.buf, math.Float32bits(float32(v)))
		}
	default:
		for _, v := range vs {
			w.buf = ByteOrder.AppendUint64(w.buf, math.Float64bits(float64(v)))
		}
	}
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

// Err returns the first error that happened while writing, if any.
func (w *Writer) Err() error {
	return w.err
}

// Bytes returns the serialized buffer, or the first error that happened while writing.
func (w *Writer) Bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

// Reader is the counterpart of Writer: it decodes typed fields from a buffer in the order they were written.
//
// Reading past the end of the buffer sets a sticky ErrFormatMismatch.
type Reader struct {
	buf        []byte
	pos        int
	indexDType dtypes.DType
	valueDType dtypes.DType
	indexSize  int
	valueSize  int
	err        error
}

// NewReader returns a Reader of buf for the given field dtypes.
func NewReader(buf []byte, indexDType, valueDType dtypes.DType) (*Reader, error) {
	if err := ValidateIndexDType(indexDType); err != nil {
		return nil, err
	}
	if err := ValidateValueDType(valueDType); err != nil {
		return nil, err
	}
	return &Reader{
		buf:        buf,
		indexDType: indexDType,
		valueDType: valueDType,
		indexSize:  int(indexDType.Memory()),
		valueSize:  int(valueDType.Memory()),
	}, nil
}

func (r *Reader) take(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.buf) {
		r.err = FormatMismatchf("reading %s at offset %d: need %d bytes, only %d left", what, r.pos, n, len(r.buf)-r.pos)
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

// fits checks that n fields of size bytes each are left, without computing n*size, which may overflow
// for counts read from a corrupt buffer.
func (r *Reader) fits(n, size int, what string) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || n > r.Remaining()/size {
		r.err = FormatMismatchf("reading %d %s at offset %d: only %d bytes left", n, what, r.pos, r.Remaining())
		return false
	}
	return true
}

// Index reads one integer field.
func (r *Reader) Index() int {
	b := r.take(r.indexSize, "index")
	if b == nil {
		return 0
	}
	var v uint64
	switch r.indexDType {
	case dtypes.Uint16:
		v = uint64(ByteOrder.Uint16(b))
	case dtypes.Uint32:
		v = uint64(ByteOrder.Uint32(b))
	default:
		v = ByteOrder.Uint64(b)
	}
	if v > math.MaxInt {
		r.err = FormatMismatchf("index field %d at offset %d overflows int", v, r.pos-r.indexSize)
		return 0
	}
	return int(v)
}

// Indices reads n integer fields.
func (r *Reader) Indices(n int) []int {
	if n < 0 {
		if r.err == nil {
			r.err = FormatMismatchf("negative count %d of indices", n)
		}
		return nil
	}
	if !r.fits(n, r.indexSize, "indices") {
		return nil
	}
	vs := make([]int, n)
	for ii := range vs {
		vs[ii] = r.Index()
	}
	return vs
}

// ReadValues reads n floating point fields, converting them from the reader's value dtype to T.
func ReadValues[T Float](r *Reader, n int) []T {
	if !r.fits(n, r.valueSize, "values") {
		return nil
	}
	b := r.take(n*r.valueSize, "values")
	if b == nil {
		return nil
	}
	vs := make([]T, n)
	switch r.valueDType {
	case dtypes.Float16:
		for ii := range vs {
			vs[ii] = T(float16.Frombits(ByteOrder.Uint16(b[ii*2:])).Float32())
		}
	case dtypes.Float32:
		for ii := range vs {
			vs[ii] = T(math.Float32frombits(ByteOrder.Uint32(b[ii*4:])))
		}
	default:
		for ii := range vs {
			vs[ii] = T(math.Float64frombits(ByteOrder.Uint64(b[ii*8:])))
		}
	}
	return vs
}

// Remaining returns the number of bytes not yet read.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

// Offset returns the number of bytes read so far.
func (r *Reader) Offset() int {
	return r.pos
}

// Err returns the first error that happened while reading, if any.
func (r *Reader) Err() error {
	return r.err
}
