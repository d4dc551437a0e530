package conversion

import (
	"math"

	"github.com/flagdeck/flagdeck-relay/internal/sdkerr"
	"github.com/flagdeck/flagdeck-relay/internal/value"
)

// As converts v toward the Go type T through the manager. The target is
// picked by a type switch on T, so only the types below are supported:
// string, int, int64, float64, bool, []value.Value, map[string]value.Value,
// and value.Value itself (identity).
func As[T any](m *Manager, v value.Value) (T, error) {
	var zero T
	switch any(zero).(type) {
	case value.Value:
		return any(v).(T), nil
	case string:
		out, err := m.Convert(v, TargetString)
		if err != nil {
			return zero, err
		}
		s, _ := out.AsString()
		return any(s).(T), nil
	case int64:
		out, err := m.Convert(v, TargetInt)
		if err != nil {
			return zero, err
		}
		i, _ := out.AsInt()
		return any(i).(T), nil
	case int:
		out, err := m.Convert(v, TargetInt)
		if err != nil {
			return zero, err
		}
		i, _ := out.AsInt()
		if i > math.MaxInt || i < math.MinInt {
			return zero, sdkerr.ConversionFailed("value overflows int", v.GoValue(), v.Kind().String())
		}
		return any(int(i)).(T), nil
	case float64:
		out, err := m.Convert(v, TargetDouble)
		if err != nil {
			return zero, err
		}
		f, _ := out.AsFloat()
		return any(f).(T), nil
	case bool:
		out, err := m.Convert(v, TargetBool)
		if err != nil {
			return zero, err
		}
		b, _ := out.AsBool()
		return any(b).(T), nil
	case []value.Value:
		out, err := m.Convert(v, TargetList)
		if err != nil {
			return zero, err
		}
		list, _ := out.AsList()
		return any(list).(T), nil
	case map[string]value.Value:
		out, err := m.Convert(v, TargetMap)
		if err != nil {
			return zero, err
		}
		mp, _ := out.AsMap()
		return any(mp).(T), nil
	default:
		return zero, sdkerr.ConversionFailed("unsupported conversion target type", v.GoValue(), v.Kind().String())
	}
}
