package inference

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Result is the full explanation returned for one image.
type Result struct {
	Prediction     string        `json:"prediction"`
	Confidence     float32       `json:"confidence"`
	Probabilities  Probabilities `json:"probabilities"`
	OriginalBase64 string        `json:"original_base64"`
	GradcamBase64  string        `json:"gradcam_base64"`
}

// Classification is a prediction without an explanation.
type Classification struct {
	Prediction    string        `json:"prediction"`
	Confidence    float32       `json:"confidence"`
	Probabilities Probabilities `json:"probabilities"`
}

type ClassProbability struct {
	Class       string
	Probability float32
}

// Probabilities keeps the model's class order. It serializes as a JSON
// object whose keys appear in that order.
type Probabilities []ClassProbability

func (p Probabilities) Get(class string) (float32, bool) {
	for _, cp := range p {
		if cp.Class == class {
			return cp.Probability, true
		}
	}
	return 0, false
}

func (p Probabilities) Sum() float64 {
	var sum float64
	for _, cp := range p {
		sum += float64(cp.Probability)
	}
	return sum
}

func (p Probabilities) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, cp := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(cp.Class)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(cp.Probability)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (p *Probabilities) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("probabilities must be a JSON object")
	}
	out := Probabilities{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		class, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected key %v", tok)
		}
		var v float32
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("probability for %q: %w", class, err)
		}
		out = append(out, ClassProbability{Class: class, Probability: v})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*p = out
	return nil
}

func newProbabilities(classes []string, probs []float32) Probabilities {
	out := make(Probabilities, len(classes))
	for i, c := range classes {
		out[i] = ClassProbability{Class: c, Probability: probs[i]}
	}
	return out
}
