//go:build property

package target

import (
	"net/url"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestTargetProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(1234)
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)
	base := &url.URL{Scheme: "https", Host: "site.test", Path: "/"}

	segment := gen.RegexMatch(`[a-z0-9]{1,8}`)

	properties.Property("fragment never changes identity", prop.ForAll(
		func(a, b, frag string) bool {
			href := "/" + a + "/" + b
			plain, err1 := Normalize(base, href)
			withFrag, err2 := Normalize(base, href+"#"+frag)
			if err1 != nil || err2 != nil {
				return false
			}
			return plain.Key() == withFrag.Key() && !strings.Contains(withFrag.Key(), "#")
		},
		segment, segment, segment,
	))

	properties.Property("normalization is idempotent", prop.ForAll(
		func(a, q string) bool {
			first, err := Normalize(base, "/"+a+"?q="+q)
			if err != nil {
				return false
			}
			second, err := Normalize(base, first.String())
			return err == nil && first == second
		},
		segment, segment,
	))

	properties.Property("a path is active for all of its descendants", prop.ForAll(
		func(a, b string) bool {
			return IsActive("/"+a+"/"+b, "/"+a) && !IsActive("/"+a+b+"x", "/"+a)
		},
		segment, segment,
	))

	properties.TestingRun(t)
}
