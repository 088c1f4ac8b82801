package compiler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultFactsTimeout bounds a facts script run.
const DefaultFactsTimeout = 30 * time.Second

// factsEntry is the name the script binds its facts to, either as a dict or as
// a function of the device list.
const factsEntry = "facts"

// FactsEvaluator runs the fleet facts script.
type FactsEvaluator struct {
	timeout time.Duration
}

// NewFactsEvaluator creates a facts evaluator.
func NewFactsEvaluator(timeout time.Duration) *FactsEvaluator {
	if timeout == 0 {
		timeout = DefaultFactsTimeout
	}
	return &FactsEvaluator{
		timeout: timeout,
	}
}

// EvaluateFile runs the script at path.
func (fe *FactsEvaluator) EvaluateFile(ctx context.Context, path string, devices []interface{}) (map[string]interface{}, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read facts script: %w", err)
	}
	return fe.Evaluate(ctx, path, string(src), devices)
}

// Evaluate runs a facts script. devices is exposed to the script as the
// global "devices" and is also passed when facts is a function. The script
// must bind facts to a dict or to a function returning one.
func (fe *FactsEvaluator) Evaluate(ctx context.Context, filename, script string, devices []interface{}) (map[string]interface{}, error) {
	startTime := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, fe.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "facts",
		Print: func(_ *starlark.Thread, msg string) {
			log.Debug().Str("script", filename).Msg(msg)
		},
	}

	type outcome struct {
		facts map[string]interface{}
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		facts, err := evaluateSync(thread, filename, script, devices)
		done <- outcome{facts: facts, err: err}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel(evalCtx.Err().Error())
		<-done
		return nil, fmt.Errorf("facts script %s cancelled after %v: %w", filename, time.Since(startTime).Round(time.Millisecond), evalCtx.Err())
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		log.Debug().
			Str("script", filename).
			Int("facts", len(out.facts)).
			Dur("duration", time.Since(startTime)).
			Msg("Facts evaluated")
		return out.facts, nil
	}
}

func evaluateSync(thread *starlark.Thread, filename, script string, devices []interface{}) (map[string]interface{}, error) {
	deviceList, err := toStarlarkValue(devices)
	if err != nil {
		return nil, fmt.Errorf("failed to convert devices: %w", err)
	}
	deviceList.Freeze()

	predeclared := starlark.StringDict{
		"struct":  starlark.NewBuiltin("struct", starlarkstruct.Make),
		"devices": deviceList,
	}

	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("facts script failed: %w", err)
	}

	entry, ok := globals[factsEntry]
	if !ok {
		return nil, fmt.Errorf("facts script %s does not define %q", filename, factsEntry)
	}

	if fn, ok := entry.(starlark.Callable); ok {
		entry, err = starlark.Call(thread, fn, starlark.Tuple{deviceList}, nil)
		if err != nil {
			return nil, fmt.Errorf("facts function failed: %w", err)
		}
	}

	out, err := fromStarlarkValue(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to convert facts: %w", err)
	}
	facts, ok := out.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("facts must be a dict, got %s", entry.Type())
	}
	return facts, nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, elem := range val {
			item, err := fromStarlarkValue(elem)
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
