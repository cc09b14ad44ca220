package decoder

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrNoTopics           = errors.New("log has no topics")
	ErrUnknownEvent       = errors.New("event signature not found in ABI")
	ErrTopicCountMismatch = errors.New("topic count mismatch")
)

// EventDecoder decodes logs emitted by a single contract ABI.
type EventDecoder struct {
	parsedABI abi.ABI
}

// NewFromJSON creates an event decoder from a JSON ABI string
func NewFromJSON(jsonStr string) (*EventDecoder, error) {
	parsed, err := abi.JSON(strings.NewReader(jsonStr))
	if err != nil {
		return nil, err
	}
	return &EventDecoder{parsedABI: parsed}, nil
}

// DecodedLog contains parsed human-readable data from a transaction log.
type DecodedLog struct {
	Name   string                 `json:"name"`   // Event name (e.g., Transfer)
	Inputs map[string]interface{} `json:"inputs"` // Parameter key-value pairs (e.g., from: 0x..., value: 100)
}

// Decode parses a single Log
func (d *EventDecoder) Decode(log types.Log) (*DecodedLog, error) {
	if len(log.Topics) == 0 {
		return nil, ErrNoTopics
	}

	// 1. Find the Event definition in ABI based on Topic[0] (Event Signature)
	event, err := d.parsedABI.EventByID(log.Topics[0])
	if err != nil {
		return nil, ErrUnknownEvent
	}

	var indexedArgs abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexedArgs = append(indexedArgs, arg)
		}
	}

	// Topics[0] is the signature. ERC20 and ERC721 share the Transfer signature
	// and only differ here, so this check must run before any unpacking.
	if len(log.Topics)-1 != len(indexedArgs) {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrTopicCountMismatch, len(indexedArgs), len(log.Topics)-1)
	}

	result := &DecodedLog{
		Name:   event.Name,
		Inputs: make(map[string]interface{}),
	}

	// 2. Parse Data (non-indexed parameters)
	if len(log.Data) > 0 {
		if err := d.parsedABI.UnpackIntoMap(result.Inputs, event.Name, log.Data); err != nil {
			return nil, err
		}
	}

	// 3. Parse Topics (indexed parameters)
	if err := abi.ParseTopicsIntoMap(result.Inputs, indexedArgs, log.Topics[1:]); err != nil {
		return nil, err
	}

	return result, nil
}
