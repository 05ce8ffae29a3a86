package config

import (
	"encoding/csv"
	"os"
	"strings"
)

// split tokenizes a directive argument string on whitespace, honoring
// quoting, and resolves any ${VAR} or ${VAR:default} references.
func split(s string) (ret []string, err error) {
	r := csv.NewReader(strings.NewReader(s))
	r.Comma = ' '
	r.Comment = '#'
	if ret, err = r.Read(); err == nil {
		ret = replaceEnvVars(ret)
	}
	return
}

func replaceEnvVars(set []string) (ret []string) {
	for _, val := range set {
		if len(val) > 0 {
			ret = append(ret, replaceEnv(val))
		}
	}
	return
}

func replaceEnv(v string) string {
	if len(v) >= 3 {
		if v[0] == '$' && v[1] == '{' && v[len(v)-1] == '}' {
			v = v[2 : len(v)-1]
			if bits := strings.Split(v, ":"); len(bits) == 2 {
				if val := os.Getenv(bits[0]); val != "" {
					v = val
				} else {
					v = bits[1]
				}
			} else {
				v = os.Getenv(v)
			}
		}
	}
	return v
}
