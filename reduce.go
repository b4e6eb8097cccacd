package docdb

import (
	"fmt"
	"math"
)

// ReduceSum adds up numeric values. Arrays of numbers are summed element-wise.
func ReduceSum(keys, values []any, rereduce bool) (any, error) {
	var sum float64
	var vec []float64
	for _, v := range values {
		switch v := v.(type) {
		case nil:
		case float64:
			sum += v
		case []any:
			for len(vec) < len(v) {
				vec = append(vec, 0)
			}
			for i, item := range v {
				f, ok := item.(float64)
				if !ok {
					return nil, fmt.Errorf("sum: non-numeric array element %v", item)
				}
				vec[i] += f
			}
		default:
			return nil, fmt.Errorf("sum: non-numeric value %v", v)
		}
	}
	if vec != nil {
		if sum != 0 {
			return nil, fmt.Errorf("sum: cannot mix numbers and arrays")
		}
		out := make([]any, len(vec))
		for i, f := range vec {
			out[i] = f
		}
		return out, nil
	}
	return sum, nil
}

// ReduceCount counts rows. On rereduce it sums the partial counts.
func ReduceCount(keys, values []any, rereduce bool) (any, error) {
	if !rereduce {
		return float64(len(values)), nil
	}
	return ReduceSum(nil, values, true)
}

// ReduceStats computes sum, count, min, max and sumsqr of numeric values.
func ReduceStats(keys, values []any, rereduce bool) (any, error) {
	st := struct{ sum, count, min, max, sumsqr float64 }{min: math.Inf(1), max: math.Inf(-1)}
	for _, v := range values {
		if rereduce {
			m, ok := v.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("stats: invalid partial %v", v)
			}
			st.sum += numberOf(m["sum"])
			st.count += numberOf(m["count"])
			st.sumsqr += numberOf(m["sumsqr"])
			st.min = math.Min(st.min, numberOf(m["min"]))
			st.max = math.Max(st.max, numberOf(m["max"]))
			continue
		}
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("stats: non-numeric value %v", v)
		}
		st.sum += f
		st.count++
		st.sumsqr += f * f
		st.min = math.Min(st.min, f)
		st.max = math.Max(st.max, f)
	}
	if st.count == 0 {
		st.min, st.max = 0, 0
	}
	return map[string]any{
		"sum":    st.sum,
		"count":  st.count,
		"min":    st.min,
		"max":    st.max,
		"sumsqr": st.sumsqr,
	}, nil
}

// reducer feeds rows to a ReduceFunc in batches of at most batchSize and
// rereduces the partial results until one value remains.
type reducer struct {
	view      string
	fn        ReduceFunc
	batchSize int

	keys     []any
	values   []any
	partials []any
}

func (r *reducer) add(key, value any) error {
	r.keys = append(r.keys, key)
	r.values = append(r.values, value)
	if len(r.values) >= r.batchSize {
		return r.flush()
	}
	return nil
}

func (r *reducer) flush() error {
	if len(r.values) == 0 {
		return nil
	}
	v, err := r.call(r.keys, r.values, false)
	if err != nil {
		return err
	}
	r.partials = append(r.partials, v)
	r.keys, r.values = r.keys[:0], r.values[:0]
	return nil
}

// result finishes the group. A group of zero rows reduces to nil without
// calling fn.
func (r *reducer) result() (any, error) {
	if err := r.flush(); err != nil {
		return nil, err
	}
	partials := r.partials
	r.partials = nil
	if len(partials) == 0 {
		return nil, nil
	}
	for len(partials) > 1 {
		var next []any
		for i := 0; i < len(partials); i += r.batchSize {
			chunk := partials[i:min(i+r.batchSize, len(partials))]
			v, err := r.call(nil, chunk, true)
			if err != nil {
				return nil, err
			}
			next = append(next, v)
		}
		partials = next
	}
	return partials[0], nil
}

func (r *reducer) call(keys, values []any, rereduce bool) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = newErr(StatusCallbackError, "reduce", "", "", nil, "reduce function of view %s panicked: %v", r.view, p)
		}
	}()
	result, err = r.fn(append([]any(nil), keys...), append([]any(nil), values...), rereduce)
	if err != nil {
		return nil, newErr(StatusCallbackError, "reduce", "", "", err, "view %s", r.view)
	}
	if result, err = normalizeValue(result); err != nil {
		return nil, newErr(StatusCallbackError, "reduce", "", "", err, "view %s: invalid result", r.view)
	}
	return result, nil
}
