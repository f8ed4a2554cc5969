package sandbox

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
)

// DefaultOrder is the priority order used when none is configured.
var DefaultOrder = []Kind{KindContainer, KindMicroVM, KindJudge, KindLocal}

// ParseOrder parses a comma-separated list of backend kinds. Unknown and
// repeated kinds are rejected.
func ParseOrder(s string) ([]Kind, error) {
	if strings.TrimSpace(s) == "" {
		return append([]Kind(nil), DefaultOrder...), nil
	}
	seen := make(map[Kind]bool)
	var order []Kind
	for _, part := range strings.Split(s, ",") {
		k := Kind(strings.ToLower(strings.TrimSpace(part)))
		if k == "" {
			continue
		}
		switch k {
		case KindContainer, KindMicroVM, KindJudge, KindLocal:
		default:
			return nil, fmt.Errorf("unknown backend kind %q", k)
		}
		if seen[k] {
			return nil, fmt.Errorf("backend kind %q listed twice", k)
		}
		seen[k] = true
		order = append(order, k)
	}
	return order, nil
}

// ChainFile is the on-disk form of a chain override.
type ChainFile struct {
	Order    []Kind `json:"order"`
	Disabled []Kind `json:"disabled,omitempty"`
}

// LoadChainFile reads a chain override file.
func LoadChainFile(path string) (ChainFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ChainFile{}, fmt.Errorf("read chain file: %w", err)
	}
	var cf ChainFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return ChainFile{}, fmt.Errorf("parse chain file: %w", err)
	}
	if len(cf.Order) == 0 {
		cf.Order = append([]Kind(nil), DefaultOrder...)
	}
	return cf, nil
}

// BuildChain arranges the constructed backends in order. Kinds without a
// backend are skipped, as is the local backend in hosted deployments.
func BuildChain(order []Kind, backends map[Kind]Backend, hosted bool, disabled ...Kind) []Backend {
	off := make(map[Kind]bool, len(disabled))
	for _, k := range disabled {
		off[k] = true
	}

	var chain []Backend
	for _, k := range order {
		b, ok := backends[k]
		if !ok || b == nil || off[k] {
			continue
		}
		if k == KindLocal && hosted {
			log.Printf("sandbox: local backend excluded in hosted deployment")
			continue
		}
		chain = append(chain, b)
	}
	return chain
}
