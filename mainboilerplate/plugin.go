package mainboilerplate

import (
	"context"
	"plugin"

	"github.com/pkg/errors"

	"github.com/orbitinghail/sqlsync/reducerhost"
)

// LoadReducer opens a Go plugin at path and looks up its Reducer symbol.
// This mirrors the dynamic consumer-plugin loading run-consumer used for
// application logic, adapted to load a reducerhost.Reducer instead of a
// consumer.Consumer.
func LoadReducer(path string) (reducerhost.Reducer, error) {
	mod, err := plugin.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening reducer plugin")
	}
	sym, err := mod.Lookup("Reducer")
	if err != nil {
		return nil, errors.Wrap(err, "looking up Reducer symbol")
	}
	if reducer, ok := sym.(reducerhost.Reducer); ok {
		return reducer, nil
	}
	if fn, ok := sym.(func(ctx context.Context, tx reducerhost.SQLTx, mutation []byte) error); ok {
		return reducerhost.Reducer(fn), nil
	}
	return nil, errors.Errorf("Reducer symbol has unexpected type %T", sym)
}
