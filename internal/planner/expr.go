// Package planner превращает сработавшие действия в ордера с учётом шагов цены и
// количества, минимального номинала и размеров контракта.
package planner

import (
	"errors"
	"math"
	"strconv"
	"strings"
)

var (
	ErrInvalidRef      = errors.New("invalid price reference")
	ErrUnresolvedPrice = errors.New("price reference unresolved")
)

type RefKind int

const (
	RefIndicator RefKind = iota
	RefCross
	RefMin
	RefMax
	RefAvg
	RefRatio
	RefOffset
)

type CrossDir string

const (
	CrossUp   CrossDir = "up"
	CrossDown CrossDir = "down"
	CrossBoth CrossDir = "both"
)

type CrossWhen string

const (
	WhenRecent   CrossWhen = "recent"
	WhenPrevious CrossWhen = "previous"
)

// Ref разобранная ссылка на цену: id индикатора или expr:<op>:<a>[:<b>][:k=v...].
type Ref struct {
	Kind   RefKind
	A, B   string
	Dir    CrossDir
	When   CrossWhen
	Linear bool
	Pct    float64
}

const exprPrefix = "expr:"

// ParseRef разбирает ссылку. Пустая строка и неизвестная операция дают ErrInvalidRef.
func ParseRef(s string) (Ref, error) {
	if s == "" {
		return Ref{}, ErrInvalidRef
	}
	if !strings.HasPrefix(s, exprPrefix) {
		return Ref{Kind: RefIndicator, A: s}, nil
	}

	parts := strings.Split(s, ":")
	var op, a, b string
	if len(parts) > 1 {
		op = parts[1]
	}
	if len(parts) > 2 {
		a = parts[2]
	}
	kv := make(map[string]string)
	for _, seg := range parts[min(3, len(parts)):] {
		if i := strings.Index(seg, "="); i > 0 {
			kv[seg[:i]] = seg[i+1:]
		} else if b == "" {
			b = seg
		}
	}

	switch op {
	case "cross":
		if a == "" || b == "" {
			return Ref{}, ErrInvalidRef
		}
		r := Ref{Kind: RefCross, A: a, B: b, Dir: CrossBoth, When: WhenRecent}
		switch CrossDir(kv["dir"]) {
		case CrossUp, CrossDown:
			r.Dir = CrossDir(kv["dir"])
		}
		if CrossWhen(kv["when"]) == WhenPrevious {
			r.When = WhenPrevious
		}
		r.Linear = kv["interp"] == "linear"
		return r, nil

	case "offset":
		pct := 0.0
		if raw, ok := kv["pct"]; ok {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
				return Ref{}, ErrInvalidRef
			}
			pct = v
		}
		if a == "" {
			return Ref{}, ErrInvalidRef
		}
		return Ref{Kind: RefOffset, A: a, Pct: pct}, nil

	case "min", "max", "avg", "ratio":
		if a == "" || b == "" {
			return Ref{}, ErrInvalidRef
		}
		kind := map[string]RefKind{"min": RefMin, "max": RefMax, "avg": RefAvg, "ratio": RefRatio}[op]
		return Ref{Kind: kind, A: a, B: b}, nil
	}
	return Ref{}, ErrInvalidRef
}
