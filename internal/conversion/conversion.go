// Package conversion coerces dynamically-typed values toward requested
// target types through a priority-ordered strategy registry. Built-in
// strategies cover the primitive targets; custom strategies can be
// registered and removed at runtime.
package conversion

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/flagdeck/flagdeck-relay/internal/logger"
	"github.com/flagdeck/flagdeck-relay/internal/metrics"
	"github.com/flagdeck/flagdeck-relay/internal/sdkerr"
	"github.com/flagdeck/flagdeck-relay/internal/value"
)

// Target names the type a conversion aims for. Custom targets are allowed;
// the constants below are the built-in ones.
type Target string

const (
	TargetString Target = "string"
	TargetInt    Target = "int"
	TargetDouble Target = "double"
	TargetBool   Target = "bool"
	TargetMap    Target = "map"
	TargetList   Target = "list"
)

// Strategy converts values toward one target. Convert returns the converted
// value or an error describing why this strategy cannot handle the input;
// on error the manager falls through to the next strategy by priority.
type Strategy struct {
	Name     string
	Target   Target
	Priority int
	Convert  func(v value.Value) (value.Value, error)
}

// Manager holds conversion strategies grouped by target, each group sorted
// by descending priority. The zero value is not usable; call NewManager.
type Manager struct {
	mu         sync.RWMutex
	strategies map[Target][]Strategy
	log        *slog.Logger
}

// NewManager returns a manager pre-loaded with the built-in strategies.
func NewManager() *Manager {
	m := &Manager{
		strategies: make(map[Target][]Strategy),
		log:        logger.WithComponent("conversion"),
	}
	for _, s := range builtins() {
		m.insert(s)
	}
	return m
}

// Register adds or replaces a strategy. A strategy with the same name and
// target replaces the previous registration.
func (m *Manager) Register(s Strategy) error {
	if s.Name == "" {
		return sdkerr.Validation("conversion strategy needs a name")
	}
	if s.Target == "" {
		return sdkerr.Validation("conversion strategy needs a target")
	}
	if s.Convert == nil {
		return sdkerr.Validation("conversion strategy needs a convert function")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(s.Target, s.Name)
	m.insert(s)
	return nil
}

// Remove deletes a named strategy for a target. Returns false when no such
// strategy was registered.
func (m *Manager) Remove(target Target, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(target, name)
}

// HasStrategyFor reports whether at least one strategy is registered for
// the target.
func (m *Manager) HasStrategyFor(target Target) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.strategies[target]) > 0
}

// Strategies returns a copy of the registered strategies for a target in
// evaluation order.
func (m *Manager) Strategies(target Target) []Strategy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Strategy, len(m.strategies[target]))
	copy(out, m.strategies[target])
	return out
}

// insert adds a strategy keeping the group sorted by descending priority.
// Insertion order breaks ties, earlier registrations first. Caller holds mu.
func (m *Manager) insert(s Strategy) {
	group := append(m.strategies[s.Target], s)
	sort.SliceStable(group, func(i, j int) bool {
		return group[i].Priority > group[j].Priority
	})
	m.strategies[s.Target] = group
}

func (m *Manager) removeLocked(target Target, name string) bool {
	group := m.strategies[target]
	for i, s := range group {
		if s.Name == name {
			m.strategies[target] = append(group[:i:i], group[i+1:]...)
			return true
		}
	}
	return false
}

// Convert coerces v toward the target. Strategies are tried in descending
// priority; the first success wins. A strategy error falls through to the
// next strategy; if every strategy fails the last error is returned. A
// panic inside a strategy is recovered and returned as an internal
// conversion error without trying further strategies.
func (m *Manager) Convert(v value.Value, target Target) (value.Value, error) {
	m.mu.RLock()
	group := m.strategies[target]
	m.mu.RUnlock()

	if len(group) == 0 {
		metrics.ConversionFailures.WithLabelValues(string(target)).Inc()
		return value.Null(), sdkerr.ConversionFailed(
			fmt.Sprintf("no conversion strategy for target %q", target), v.GoValue(), v.Kind().String())
	}

	var lastErr error
	for _, s := range group {
		out, err := m.tryStrategy(s, v)
		if err == nil {
			return out, nil
		}
		if sdkerr.CodeOf(err) == sdkerr.ErrConversionInternal {
			metrics.ConversionFailures.WithLabelValues(string(target)).Inc()
			return value.Null(), err
		}
		lastErr = err
	}
	metrics.ConversionFailures.WithLabelValues(string(target)).Inc()
	m.log.Debug("conversion failed", "target", target, "kind", v.Kind().String(), "err", lastErr)
	return value.Null(), lastErr
}

// tryStrategy runs one strategy, turning a panic into an internal error.
func (m *Manager) tryStrategy(s Strategy, v value.Value) (out value.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn("conversion strategy panicked", "strategy", s.Name, "target", s.Target, "panic", r)
			out = value.Null()
			err = sdkerr.ConversionInternal(fmt.Errorf("strategy %q panicked: %v", s.Name, r))
		}
	}()
	return s.Convert(v)
}

func builtins() []Strategy {
	return []Strategy{
		{Name: "builtin-string", Target: TargetString, Priority: 0, Convert: toString},
		{Name: "builtin-int", Target: TargetInt, Priority: 0, Convert: toInt},
		{Name: "builtin-double", Target: TargetDouble, Priority: 0, Convert: toDouble},
		{Name: "builtin-bool", Target: TargetBool, Priority: 0, Convert: toBool},
		{Name: "builtin-map", Target: TargetMap, Priority: 0, Convert: toMap},
		{Name: "builtin-list", Target: TargetList, Priority: 0, Convert: toList},
	}
}

// toString stringifies any primitive. Null and structured values fail.
func toString(v value.Value) (value.Value, error) {
	switch v.Kind() {
	case value.KindString:
		return v, nil
	case value.KindBool:
		b, _ := v.AsBool()
		return value.String(strconv.FormatBool(b)), nil
	case value.KindInt:
		i, _ := v.AsInt()
		return value.String(strconv.FormatInt(i, 10)), nil
	case value.KindFloat:
		f, _ := v.AsFloat()
		return value.String(strconv.FormatFloat(f, 'f', -1, 64)), nil
	default:
		return value.Null(), sdkerr.ConversionFailed(
			fmt.Sprintf("cannot stringify %s", v.Kind()), v.GoValue(), v.Kind().String())
	}
}

// toInt accepts ints, integral floats, and numeric strings. A float with a
// fractional part is rejected instead of silently truncated.
func toInt(v value.Value) (value.Value, error) {
	switch v.Kind() {
	case value.KindInt:
		return v, nil
	case value.KindFloat:
		f, _ := v.AsFloat()
		i := int64(f)
		if float64(i) != f {
			return value.Null(), sdkerr.ConversionFailed(
				"converting to int would lose precision", v.GoValue(), v.Kind().String())
		}
		return value.Int(i), nil
	case value.KindString:
		s, _ := v.AsString()
		i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return value.Null(), sdkerr.ConversionFailed(
				fmt.Sprintf("%q is not an integer", s), v.GoValue(), v.Kind().String())
		}
		return value.Int(i), nil
	default:
		return value.Null(), sdkerr.ConversionFailed(
			fmt.Sprintf("cannot convert %s to int", v.Kind()), v.GoValue(), v.Kind().String())
	}
}

// toDouble accepts floats, ints, and numeric strings.
func toDouble(v value.Value) (value.Value, error) {
	switch v.Kind() {
	case value.KindFloat:
		return v, nil
	case value.KindInt:
		i, _ := v.AsInt()
		return value.Float(float64(i)), nil
	case value.KindString:
		s, _ := v.AsString()
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return value.Null(), sdkerr.ConversionFailed(
				fmt.Sprintf("%q is not a number", s), v.GoValue(), v.Kind().String())
		}
		return value.Float(f), nil
	default:
		return value.Null(), sdkerr.ConversionFailed(
			fmt.Sprintf("cannot convert %s to double", v.Kind()), v.GoValue(), v.Kind().String())
	}
}

// toBool accepts booleans, "true"/"false" in any case, "1"/"0", and
// nonzero/zero ints.
func toBool(v value.Value) (value.Value, error) {
	switch v.Kind() {
	case value.KindBool:
		return v, nil
	case value.KindString:
		s, _ := v.AsString()
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "1":
			return value.Bool(true), nil
		case "false", "0":
			return value.Bool(false), nil
		}
		return value.Null(), sdkerr.ConversionFailed(
			fmt.Sprintf("%q is not a boolean", s), v.GoValue(), v.Kind().String())
	case value.KindInt:
		i, _ := v.AsInt()
		return value.Bool(i != 0), nil
	default:
		return value.Null(), sdkerr.ConversionFailed(
			fmt.Sprintf("cannot convert %s to bool", v.Kind()), v.GoValue(), v.Kind().String())
	}
}

// toMap is identity for maps, failure for everything else.
func toMap(v value.Value) (value.Value, error) {
	if v.Kind() != value.KindMap {
		return value.Null(), sdkerr.ConversionFailed(
			fmt.Sprintf("cannot convert %s to map", v.Kind()), v.GoValue(), v.Kind().String())
	}
	return v, nil
}

// toList is identity for lists, failure for everything else.
func toList(v value.Value) (value.Value, error) {
	if v.Kind() != value.KindList {
		return value.Null(), sdkerr.ConversionFailed(
			fmt.Sprintf("cannot convert %s to list", v.Kind()), v.GoValue(), v.Kind().String())
	}
	return v, nil
}
