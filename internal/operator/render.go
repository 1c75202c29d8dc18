package operator

import (
	"fmt"
	"regexp"

	"github.com/utsubo/chidori/internal/config"
)

var paramRef = regexp.MustCompile(`\$\{([a-zA-Z0-9_.]+)\}`)

// Render substitutes ${name} references with values from params. Dotted
// names descend into nested configs. Unknown references are left as is so
// shell constructs like ${HOME} pass through.
func Render(s string, params *config.Config) string {
	return paramRef.ReplaceAllStringFunc(s, func(ref string) string {
		path := paramRef.FindStringSubmatch(ref)[1]
		if v, ok := params.GetPath(path); ok {
			return fmt.Sprintf("%v", v)
		}
		return ref
	})
}
