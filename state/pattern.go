package state

import (
	"fmt"
	"strconv"
	"strings"
)

type segmentKind uint8

const (
	segmentKey segmentKind = iota
	segmentWildcard
	segmentAnyOf
)

// Segment is one element of a PathPattern.
type Segment struct {
	kind segmentKind
	key  string
	alts []PathPattern
}

// Key matches exactly one property.
func Key(k string) Segment { return Segment{kind: segmentKey, key: k} }

// Wildcard matches every property currently present at its depth.
var Wildcard = Segment{kind: segmentWildcard}

// AnyOf forks the pattern into independent continuations. It must be the
// last segment of the pattern that contains it.
func AnyOf(alts ...PathPattern) Segment { return Segment{kind: segmentAnyOf, alts: alts} }

// PathPattern selects locations of the tree for a synchronizer.
type PathPattern []Segment

// Pattern builds a PathPattern from segments.
func Pattern(segs ...Segment) PathPattern { return PathPattern(segs) }

func (p PathPattern) String() string {
	var b strings.Builder
	for i, s := range p {
		if i > 0 {
			b.WriteByte('.')
		}
		switch s.kind {
		case segmentWildcard:
			b.WriteByte('*')
		case segmentAnyOf:
			b.WriteByte('(')
			for j, alt := range s.alts {
				if j > 0 {
					b.WriteByte('|')
				}
				b.WriteString(alt.String())
			}
			b.WriteByte(')')
		default:
			if plainKey(s.key) {
				b.WriteString(s.key)
			} else {
				b.WriteString(strconv.Quote(s.key))
			}
		}
	}
	return b.String()
}

func plainKey(k string) bool {
	return k != "" && !strings.ContainsAny(k, `.*()|" `+"\t\n")
}

// ParsePattern reads the textual form of a pattern, e.g.
//
//	devices.*.(connected|props.state)
//
// Keys containing separators can be double-quoted.
func ParsePattern(s string) (PathPattern, error) {
	p := &patternParser{src: s}
	out, err := p.sequence()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.src) {
		return nil, p.errorf("unexpected %q", p.src[p.pos])
	}
	if _, err := out.compile(); err != nil {
		return nil, err
	}
	return out, nil
}

type patternParser struct {
	src string
	pos int
}

func (p *patternParser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s at offset %d in %q", ErrInvalidPattern, fmt.Sprintf(format, args...), p.pos, p.src)
}

func (p *patternParser) sequence() (PathPattern, error) {
	var out PathPattern
	for {
		seg, err := p.segment()
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
		if p.pos >= len(p.src) || p.src[p.pos] != '.' {
			return out, nil
		}
		p.pos++
	}
}

func (p *patternParser) segment() (Segment, error) {
	if p.pos >= len(p.src) {
		return Segment{}, p.errorf("missing segment")
	}
	switch c := p.src[p.pos]; c {
	case '*':
		p.pos++
		return Wildcard, nil
	case '(':
		p.pos++
		var alts []PathPattern
		for {
			alt, err := p.sequence()
			if err != nil {
				return Segment{}, err
			}
			alts = append(alts, alt)
			if p.pos >= len(p.src) {
				return Segment{}, p.errorf("unterminated group")
			}
			if p.src[p.pos] == ')' {
				p.pos++
				return AnyOf(alts...), nil
			}
			if p.src[p.pos] != '|' {
				return Segment{}, p.errorf("unexpected %q in group", p.src[p.pos])
			}
			p.pos++
		}
	case '"':
		end := p.pos + 1
		for end < len(p.src) && p.src[end] != '"' {
			if p.src[end] == '\\' {
				end++
			}
			end++
		}
		if end >= len(p.src) {
			return Segment{}, p.errorf("unterminated quoted key")
		}
		k, err := strconv.Unquote(p.src[p.pos : end+1])
		if err != nil {
			return Segment{}, p.errorf("bad quoted key: %v", err)
		}
		p.pos = end + 1
		return Key(k), nil
	default:
		start := p.pos
		for p.pos < len(p.src) && !strings.ContainsRune(`.*()|"`, rune(p.src[p.pos])) {
			p.pos++
		}
		if start == p.pos {
			return Segment{}, p.errorf("unexpected %q", c)
		}
		return Key(p.src[start:p.pos]), nil
	}
}

// step is a compiled segment. Steps without next are terminal: they form the
// trigger surface of the synchronizer.
type step struct {
	index    int
	wildcard bool
	key      string
	next     []*step
}

func (s *step) terminal() bool { return len(s.next) == 0 }

func (p PathPattern) compile() ([]*step, error) {
	n := 0
	return compileSteps(p, &n)
}

func compileSteps(p PathPattern, n *int) ([]*step, error) {
	if len(p) == 0 {
		return nil, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	seg := p[0]
	if seg.kind == segmentAnyOf {
		if len(p) != 1 {
			return nil, fmt.Errorf("%w: alternative group must be the last segment", ErrInvalidPattern)
		}
		if len(seg.alts) == 0 {
			return nil, fmt.Errorf("%w: empty alternative group", ErrInvalidPattern)
		}
		var out []*step
		for _, alt := range seg.alts {
			steps, err := compileSteps(alt, n)
			if err != nil {
				return nil, err
			}
			out = append(out, steps...)
		}
		return out, nil
	}
	st := &step{index: *n, wildcard: seg.kind == segmentWildcard, key: seg.key}
	*n++
	if len(p) > 1 {
		next, err := compileSteps(p[1:], n)
		if err != nil {
			return nil, err
		}
		st.next = next
	}
	return []*step{st}, nil
}
