package version

import (
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	orig := Version
	t.Cleanup(func() { Version = orig })
	Version = "v9.9.9"

	info := Info()
	if !strings.HasPrefix(info, "onegate v9.9.9 (commit ") {
		t.Errorf("unexpected info: %s", info)
	}
}
