package nutriagent

import (
	"fmt"
	"runtime"

	"github.com/davecgh/go-spew/spew"
)

var dumper = spew.ConfigState{Indent: "  ", SortKeys: true, DisablePointerAddresses: true}

// Dump prints v with the caller's file and line. Used behind the CLI --dump flag.
func Dump(v ...any) {
	_, file, line, _ := runtime.Caller(1)
	dumper.Dump(append([]any{fmt.Sprintf("%s:%d:", file, line)}, v...)...)
}

// Sdump is Dump into a string.
func Sdump(v ...any) string {
	return dumper.Sdump(v...)
}
