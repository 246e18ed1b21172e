package tiktoken

import (
	"log/slog"
	"sync"

	tk "github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens in a piece of prompt text.
type Counter interface {
	Count(text string) int
}

// CounterFunc adapts a plain function to Counter.
type CounterFunc func(text string) int

func (f CounterFunc) Count(text string) int { return f(text) }

// Estimator is the offline Counter backed by EstimateTokens.
var Estimator Counter = CounterFunc(EstimateTokens)

// Encoder counts with a real BPE encoding. The encoding is resolved lazily on first use;
// when it cannot be loaded (no network for the BPE ranks, unknown model) Count falls back
// to EstimateTokens for the life of the process.
type Encoder struct {
	model string

	once sync.Once
	enc  *tk.Tiktoken
}

func NewEncoder(model string) *Encoder {
	return &Encoder{model: model}
}

func (e *Encoder) load() {
	enc, err := tk.EncodingForModel(e.model)
	if err != nil {
		enc, err = tk.GetEncoding("cl100k_base")
	}
	if err != nil {
		slog.Warn("Token encoding unavailable, using estimator", "model", e.model, "error", err)
		return
	}
	e.enc = enc
}

func (e *Encoder) Count(text string) int {
	if text == "" {
		return 0
	}
	e.once.Do(e.load)
	if e.enc == nil {
		return EstimateTokens(text)
	}
	return len(e.enc.Encode(text, nil, nil))
}

// EstimateTokens approximates the token count of text without an encoding:
// about one token per four letters or digits of a word, one per punctuation mark,
// one per two-byte rune (umlauts and the like) and two per wider rune.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}

	tokens := 0
	inWord := false
	wordLength := 0

	n := len(text)
	for i := 0; i < n; i++ {
		b := text[i]
		if b < 128 {
			isAlphaNum := (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
			if isAlphaNum {
				if !inWord {
					inWord = true
					wordLength = 0
				}
				wordLength++
				continue
			}
			if inWord {
				tokens += estimateWordTokens(wordLength)
				inWord = false
			}
			if b != ' ' && b != '\t' && b != '\n' && b != '\r' {
				tokens++
			}
			continue
		}

		if inWord {
			tokens += estimateWordTokens(wordLength)
			inWord = false
		}
		switch {
		case b&0xE0 == 0xC0:
			i++
			tokens++
		case b&0xF0 == 0xE0:
			i += 2
			tokens += 2
		case b&0xF8 == 0xF0:
			i += 3
			tokens += 2
		}
	}

	if inWord {
		tokens += estimateWordTokens(wordLength)
	}
	return tokens
}

func estimateWordTokens(length int) int {
	if length <= 0 {
		return 0
	}
	return (length + 3) / 4
}
