package transformer

import (
	"github.com/maxpert/tapline/encoding"
	"github.com/maxpert/tapline/mutation"
)

const FormatMsgpack = "msgpack"

func init() {
	Register(FormatMsgpack, func() (Transformer, error) {
		return Msgpack{}, nil
	})
}

// Msgpack publishes the mutation itself, encoded with sorted map keys
type Msgpack struct{}

func (Msgpack) Transform(m mutation.Mutation) ([]byte, error) {
	return encoding.Marshal(m)
}

func (Msgpack) Tombstone(string) []byte {
	return nil
}
