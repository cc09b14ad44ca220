package decoder

import (
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"strconv"

	"github.com/84hero/safe-indexer/pkg/registry"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	// ErrCannotDecode is returned for data that no registered function matches.
	ErrCannotDecode = errors.New("cannot decode")
	// ErrUnexpectedProblemDecoding is returned when the selector is known but the
	// argument block does not unpack. It wraps ErrCannotDecode.
	ErrUnexpectedProblemDecoding = fmt.Errorf("%w: unexpected problem decoding", ErrCannotDecode)
)

// DefaultMaxDepth bounds nested decoding when Options.MaxDepth is unset.
const DefaultMaxDepth = 8

// Options control how a Decoder renders values and how far it looks inside
// batch payloads.
type Options struct {
	// StringifyNumbers renders every integer as a base 10 string.
	StringifyNumbers bool
	// DecodeNested unpacks multisend payloads and the data argument of
	// execTransaction.
	DecodeNested bool
	// MaxDepth is the deepest nesting level that is still decoded.
	MaxDepth int
}

// Parameter is one decoded function argument.
type Parameter struct {
	Name         string      `json:"name"`
	Type         string      `json:"type"`
	Value        interface{} `json:"value"`
	ValueDecoded interface{} `json:"valueDecoded,omitempty"`
}

// InnerCall is one entry of a multisend payload.
type InnerCall struct {
	Operation Operation      `json:"operation"`
	To        common.Address `json:"to"`
	Value     string         `json:"value"`
	Data      hexutil.Bytes  `json:"data"`
	Decoded   *DecodedCall   `json:"dataDecoded"`
}

// DecodedCall is the structured form of call data.
type DecodedCall struct {
	Selector   registry.Selector `json:"selector"`
	Method     string            `json:"method"`
	Signature  string            `json:"signature"`
	Parameters []Parameter       `json:"parameters"`
	InnerCalls []InnerCall       `json:"innerCalls,omitempty"`

	raw []interface{}
}

// Param returns the parameter called name.
func (c *DecodedCall) Param(name string) (Parameter, bool) {
	for _, p := range c.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// Arg returns the named argument as unpacked by go-ethereum, before any
// display conversion.
func (c *DecodedCall) Arg(name string) (interface{}, bool) {
	for i, p := range c.Parameters {
		if p.Name == name && i < len(c.raw) {
			return c.raw[i], true
		}
	}
	return nil, false
}

// Decoder turns call data into DecodedCall values. It holds no mutable state
// and is safe for concurrent use.
type Decoder struct {
	reg  *registry.Registry
	opts Options
}

// New creates a decoder over reg.
func New(reg *registry.Registry, opts Options) *Decoder {
	if opts.DecodeNested && opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	return &Decoder{reg: reg, opts: opts}
}

// NewSafeDecoder returns the decoder for wallet calls: numbers stay native and
// nothing nested is interpreted.
func NewSafeDecoder(reg *registry.Registry) *Decoder {
	return New(reg, Options{})
}

// NewTxDecoder returns the display decoder: numbers are strings and batch
// payloads are unpacked.
func NewTxDecoder(reg *registry.Registry) *Decoder {
	return New(reg, Options{StringifyNumbers: true, DecodeNested: true, MaxDepth: DefaultMaxDepth})
}

// Registry returns the registry the decoder resolves selectors with.
func (d *Decoder) Registry() *registry.Registry {
	return d.reg
}

// TryDecode is Decode for callers that only display results.
func (d *Decoder) TryDecode(data []byte) (*DecodedCall, bool) {
	call, err := d.Decode(data)
	if err != nil {
		return nil, false
	}
	return call, true
}

type nestedJob struct {
	data   []byte
	depth  int
	assign func(*DecodedCall)
}

// Decode decodes data. Nested payloads are walked breadth first with an
// explicit queue; a nested entry that fails to decode is left undecoded and
// does not fail the outer call.
func (d *Decoder) Decode(data []byte) (*DecodedCall, error) {
	root, err := d.decodeOne(data)
	if err != nil {
		return nil, err
	}
	if !d.opts.DecodeNested {
		return root, nil
	}

	queue := d.expand(root, 1)
	for len(queue) > 0 {
		job := queue[0]
		queue = queue[1:]

		call, err := d.decodeOne(job.data)
		if err != nil {
			continue
		}
		job.assign(call)
		queue = append(queue, d.expand(call, job.depth+1)...)
	}
	return root, nil
}

func (d *Decoder) decodeOne(data []byte) (call *DecodedCall, err error) {
	sel, ok := registry.SelectorFromData(data)
	if !ok {
		return nil, fmt.Errorf("%w: %d bytes of call data", ErrCannotDecode, len(data))
	}
	entry, ok := d.reg.Resolve(sel)
	if !ok {
		return nil, fmt.Errorf("%w: unknown selector %s", ErrCannotDecode, sel)
	}

	// Hostile argument blocks must surface as errors, never as a crash.
	defer func() {
		if r := recover(); r != nil {
			call = nil
			err = fmt.Errorf("%w: %s: %v", ErrUnexpectedProblemDecoding, entry.Method.Sig, r)
		}
	}()

	values, err := entry.Method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnexpectedProblemDecoding, entry.Method.Sig, err)
	}

	call = &DecodedCall{
		Selector:   sel,
		Method:     entry.Method.RawName,
		Signature:  entry.Method.Sig,
		Parameters: make([]Parameter, len(values)),
		raw:        values,
	}
	for i, v := range values {
		arg := entry.Method.Inputs[i]
		call.Parameters[i] = Parameter{
			Name:  arg.Name,
			Type:  arg.Type.String(),
			Value: d.normalize(v),
		}
	}
	return call, nil
}

// expand schedules the nested payloads of call, which sits at depth-1.
func (d *Decoder) expand(call *DecodedCall, depth int) []nestedJob {
	if depth > d.opts.MaxDepth {
		return nil
	}

	switch {
	case call.Selector == registry.MultiSendSelector:
		payload, ok := rawBytes(call, "transactions")
		if !ok {
			return nil
		}
		txs := ParseMultiSend(payload)
		call.InnerCalls = make([]InnerCall, len(txs))
		var jobs []nestedJob
		for i, tx := range txs {
			call.InnerCalls[i] = InnerCall{
				Operation: tx.Operation,
				To:        tx.To,
				Value:     tx.Value.String(),
				Data:      tx.Data,
			}
			if len(tx.Data) == 0 {
				continue
			}
			inner := &call.InnerCalls[i]
			jobs = append(jobs, nestedJob{
				data:   tx.Data,
				depth:  depth,
				assign: func(c *DecodedCall) { inner.Decoded = c },
			})
		}
		return jobs

	case call.Selector == registry.ExecTransactionSelector:
		payload, ok := rawBytes(call, "data")
		if !ok || len(payload) == 0 {
			return nil
		}
		for i := range call.Parameters {
			if call.Parameters[i].Name != "data" {
				continue
			}
			param := &call.Parameters[i]
			return []nestedJob{{
				data:   payload,
				depth:  depth,
				assign: func(c *DecodedCall) { param.ValueDecoded = c },
			}}
		}
	}
	return nil
}

func rawBytes(call *DecodedCall, name string) ([]byte, bool) {
	for i, p := range call.Parameters {
		if p.Name != name {
			continue
		}
		b, ok := call.raw[i].([]byte)
		return b, ok
	}
	return nil, false
}

// normalize converts unpacked ABI values into display form: byte values become
// 0x hex, addresses become checksummed hex and, when StringifyNumbers is set,
// integers become strings. Arrays, slices and tuples become []interface{}.
func (d *Decoder) normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case nil:
		return nil
	case common.Address:
		return x.Hex()
	case common.Hash:
		return x.Hex()
	case []byte:
		return hexutil.Encode(x)
	case *big.Int:
		if d.opts.StringifyNumbers {
			return x.String()
		}
		return x
	case bool, string:
		return x
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if d.opts.StringifyNumbers {
			return strconv.FormatUint(rv.Uint(), 10)
		}
		return v
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if d.opts.StringifyNumbers {
			return strconv.FormatInt(rv.Int(), 10)
		}
		return v
	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			return hexutil.Encode(b)
		}
		return d.normalizeList(rv)
	case reflect.Slice:
		return d.normalizeList(rv)
	case reflect.Struct:
		out := make([]interface{}, rv.NumField())
		for i := range out {
			out[i] = d.normalize(rv.Field(i).Interface())
		}
		return out
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return d.normalize(rv.Elem().Interface())
	}
	return v
}

func (d *Decoder) normalizeList(rv reflect.Value) []interface{} {
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = d.normalize(rv.Index(i).Interface())
	}
	return out
}
