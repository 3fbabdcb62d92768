package transaction

import "reflect"

// Accept examines the intermediate results after each arrival. results[i]
// holds participant i's value or error once got[i] is true. Returning
// decided=false waits for more results; decided=true with a nil error
// commits with value as the transaction result; decided=true with an error
// rolls back and the error becomes the transaction outcome.
type Accept func(results []any, got []bool) (value any, decided bool, err error)

// AcceptAll is the default predicate: the first error rolls the whole
// transaction back; otherwise, once every participant reported, the result
// is the slice of values in participant order.
func AcceptAll(results []any, got []bool) (any, bool, error) {
	for i, r := range results {
		if !got[i] {
			continue
		}
		if err, ok := r.(error); ok {
			return nil, true, err
		}
	}
	for _, g := range got {
		if !g {
			return nil, false, nil
		}
	}
	return append([]any(nil), results...), true, nil
}

// AcceptFirst commits on the first successful result, discarding slower
// participants. Usable only with sync-commit disabled, since losers may
// still be running when the transaction returns.
func AcceptFirst(results []any, got []bool) (any, bool, error) {
	allErrors := true
	for i, r := range results {
		if !got[i] {
			allErrors = false
			continue
		}
		if _, ok := r.(error); !ok {
			return r, true, nil
		}
	}
	if allErrors {
		for i, r := range results {
			if got[i] {
				return nil, true, r.(error)
			}
		}
	}
	return nil, false, nil
}

// AcceptNonEmpty commits on the first non-empty successful result; errors
// and empty results do not decide. When everyone reported and nothing was
// accepted the coordinator rejects the transaction.
func AcceptNonEmpty(results []any, got []bool) (any, bool, error) {
	for i, r := range results {
		if !got[i] {
			continue
		}
		if _, ok := r.(error); ok {
			continue
		}
		if !isEmpty(r) {
			return r, true, nil
		}
	}
	return nil, false, nil
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array, reflect.Chan:
		return rv.Len() == 0
	}
	return false
}
