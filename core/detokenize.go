package core

import "unicode"

// Tokenizer decodes token ids to text. Implemented by an external wrapper
// around the model's tokenizer; the core never tokenizes.
type Tokenizer interface {
	Decode(ids []int) (string, error)
}

// TokenStream turns a stream of sampled token ids into incremental text
// deltas, so tokens can be surfaced to the client without waiting for the
// full decode. A delta is released only when the decoded text grew and ends
// on an alphanumeric rune; multi-token runes (and byte-level merges) stay
// buffered until they resolve.
type TokenStream struct {
	tok          Tokenizer
	tokens       []int
	prevIndex    int
	currentIndex int
}

// NewTokenStream wraps a tokenizer. A nil tokenizer yields empty deltas.
func NewTokenStream(tok Tokenizer) *TokenStream {
	return &TokenStream{tok: tok}
}

// Next feeds one sampled token and returns the text delta it released, if
// any.
func (ts *TokenStream) Next(token int) (string, error) {
	if ts.tok == nil {
		return "", nil
	}
	prevText := ""
	if len(ts.tokens) > 0 {
		var err error
		prevText, err = ts.tok.Decode(ts.tokens[ts.prevIndex:ts.currentIndex])
		if err != nil {
			return "", err
		}
	}
	ts.tokens = append(ts.tokens, token)
	text, err := ts.tok.Decode(ts.tokens[ts.prevIndex:])
	if err != nil {
		return "", err
	}
	if len(text) > len(prevText) && endsAlphanumeric(text) {
		delta := text[len(prevText):]
		ts.prevIndex = ts.currentIndex
		ts.currentIndex = len(ts.tokens)
		return delta, nil
	}
	return "", nil
}

// Rest flushes whatever is still buffered, for the final event of a
// sequence.
func (ts *TokenStream) Rest() (string, error) {
	if ts.tok == nil || len(ts.tokens) == 0 {
		return "", nil
	}
	prevText := ""
	if ts.currentIndex > ts.prevIndex {
		var err error
		prevText, err = ts.tok.Decode(ts.tokens[ts.prevIndex:ts.currentIndex])
		if err != nil {
			return "", err
		}
	}
	text, err := ts.tok.Decode(ts.tokens[ts.prevIndex:])
	if err != nil {
		return "", err
	}
	if len(text) > len(prevText) {
		return text[len(prevText):], nil
	}
	return "", nil
}

func endsAlphanumeric(s string) bool {
	runes := []rune(s)
	if len(runes) == 0 {
		return false
	}
	r := runes[len(runes)-1]
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
