package syntax

import "fmt"

// Span represents a location range in template source code.
type Span struct {
	StartLine   uint16
	StartCol    uint16
	StartOffset uint32
	EndLine     uint16
	EndCol      uint16
	EndOffset   uint32
}

// Expand returns a span covering both s and other.
func (s Span) Expand(other Span) Span {
	return Span{
		StartLine:   s.StartLine,
		StartCol:    s.StartCol,
		StartOffset: s.StartOffset,
		EndLine:     other.EndLine,
		EndCol:      other.EndCol,
		EndOffset:   other.EndOffset,
	}
}

func (s Span) String() string {
	return fmt.Sprintf("%d:%d-%d:%d", s.StartLine, s.StartCol, s.EndLine, s.EndCol)
}
