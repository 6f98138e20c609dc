package httpsig

import (
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	AlgorithmRSASHA256 = "rsa-sha256"
	AlgorithmHS2019    = "hs2019"

	RequestTarget = "(request-target)"
)

// DefaultHeaders es el orden fijo de headers firmados en salida.
var DefaultHeaders = []string{RequestTarget, "host", "date", "digest"}

// Parameters son los campos del header Signature.
type Parameters struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature []byte
}

// String serializa en el formato del header Signature.
func (p Parameters) String() string {
	return fmt.Sprintf(`keyId="%s",algorithm="%s",headers="%s",signature="%s"`,
		p.KeyID, p.Algorithm, strings.Join(p.Headers, " "),
		base64.StdEncoding.EncodeToString(p.Signature))
}

// ParseSignature parsea el valor de un header Signature. Acepta valores
// entre comillas (con escapes \") o tokens sin comillas.
func ParseSignature(v string) (*Parameters, error) {
	fields, err := parseParams(v)
	if err != nil {
		return nil, err
	}

	p := &Parameters{
		KeyID:     fields["keyid"],
		Algorithm: strings.ToLower(fields["algorithm"]),
	}
	if p.KeyID == "" {
		return nil, fmt.Errorf("%w: missing keyId", ErrVerification)
	}
	hs, ok := fields["headers"]
	if !ok || strings.TrimSpace(hs) == "" {
		return nil, fmt.Errorf("%w: missing headers", ErrVerification)
	}
	p.Headers = strings.Fields(strings.ToLower(hs))

	sig, ok := fields["signature"]
	if !ok || sig == "" {
		return nil, fmt.Errorf("%w: missing signature", ErrVerification)
	}
	if p.Signature, err = base64.StdEncoding.DecodeString(sig); err != nil {
		return nil, fmt.Errorf("%w: signature is not base64: %v", ErrVerification, err)
	}
	return p, nil
}

func parseParams(s string) (map[string]string, error) {
	out := map[string]string{}
	i := 0
	for i < len(s) {
		for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == ',') {
			i++
		}
		if i >= len(s) {
			break
		}

		eq := strings.IndexByte(s[i:], '=')
		if eq <= 0 {
			return nil, fmt.Errorf("%w: malformed parameter near %q", ErrVerification, s[i:])
		}
		key := strings.ToLower(strings.TrimSpace(s[i : i+eq]))
		i += eq + 1

		var val strings.Builder
		if i < len(s) && s[i] == '"' {
			i++
			closed := false
			for i < len(s) {
				c := s[i]
				if c == '\\' && i+1 < len(s) {
					val.WriteByte(s[i+1])
					i += 2
					continue
				}
				if c == '"' {
					closed = true
					i++
					break
				}
				val.WriteByte(c)
				i++
			}
			if !closed {
				return nil, fmt.Errorf("%w: unterminated quoted value for %s", ErrVerification, key)
			}
		} else {
			for i < len(s) && s[i] != ',' {
				val.WriteByte(s[i])
				i++
			}
		}
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("%w: duplicate parameter %s", ErrVerification, key)
		}
		out[key] = strings.TrimSpace(val.String())
	}
	return out, nil
}

// signingString arma las líneas "name: value" en el orden dado.
func signingString(method, path string, h []string, header map[string][]string) (string, error) {
	lines := make([]string, 0, len(h))
	for _, name := range h {
		name = strings.ToLower(name)
		if name == RequestTarget {
			lines = append(lines, RequestTarget+": "+strings.ToLower(method)+" "+path)
			continue
		}
		vals := headerValues(header, name)
		if len(vals) == 0 {
			return "", fmt.Errorf("missing header %q", name)
		}
		lines = append(lines, name+": "+strings.Join(vals, ", "))
	}
	return strings.Join(lines, "\n"), nil
}

// headerValues busca sin importar el casing de la clave del map.
func headerValues(header map[string][]string, name string) []string {
	for k, v := range header {
		if strings.EqualFold(k, name) && len(v) > 0 {
			out := make([]string, len(v))
			for i := range v {
				out[i] = strings.TrimSpace(v[i])
			}
			return out
		}
	}
	return nil
}
