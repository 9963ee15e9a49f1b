package logging

import (
	"fmt"
	"time"
)

func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}

func Float64(key string, value float64) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Component names the package emitting the line ("scenario", "capacity", ...).
func Component(name string) Field {
	return String("component", name)
}

func Operation(op string) Field {
	return String("operation", op)
}

func Latency(d time.Duration) Field {
	return Duration("latency", d)
}

func Count(n int) Field {
	return Int("count", n)
}

func Path(p string) Field {
	return String("path", p)
}

// RunID correlates every line of one pipeline run.
func RunID(id string) Field {
	return String("run_id", id)
}

// Link renders a directed link as "(from,to)".
func Link(from, to int) Field {
	return String("link", fmt.Sprintf("(%d,%d)", from, to))
}

func Epsilon(eps float64) Field {
	return Float64("epsilon", eps)
}

func Probability(p float64) Field {
	return Float64("failure_probability", p)
}

func Samples(n int) Field {
	return Int("samples", n)
}

func Worker(id int) Field {
	return Int("worker", id)
}

func Seed(seed uint64) Field {
	return Uint64("seed", seed)
}

func Status(s string) Field {
	return String("status", s)
}
