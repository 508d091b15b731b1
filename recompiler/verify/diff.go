package verify

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nsf/jsondiff"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"

	"github.com/colorfulnotion/mipsjit/recompiler/ir"
	"github.com/colorfulnotion/mipsjit/recompiler/mips"
)

// memoryRow is the number of bytes per line of a memory dump.
const memoryRow = 16

func registerJSON(regs []uint64) map[string]interface{} {
	out := make(map[string]interface{}, len(regs))
	for id, v := range regs {
		out[mips.RegisterName(ir.Register(id))] = fmt.Sprintf("0x%x", v)
	}
	return out
}

// DiffStates renders the registers that differ between want and got, one
// per line, in the gojsondiff ascii format. It returns "" when they match.
func DiffStates(want, got []uint64) (string, error) {
	left, err := json.Marshal(registerJSON(want))
	if err != nil {
		return "", err
	}
	right, err := json.Marshal(registerJSON(got))
	if err != nil {
		return "", err
	}
	delta, err := gojsondiff.New().Compare(left, right)
	if err != nil {
		return "", fmt.Errorf("diff registers: %w", err)
	}
	if !delta.Modified() {
		return "", nil
	}
	var leftObj interface{}
	if err := json.Unmarshal(left, &leftObj); err != nil {
		return "", err
	}
	f := formatter.NewAsciiFormatter(leftObj, formatter.AsciiFormatterConfig{})
	out, err := f.Format(delta)
	if err != nil {
		return "", fmt.Errorf("format register diff: %w", err)
	}
	return changedLines(out), nil
}

// changedLines keeps only the +/- lines of an ascii diff.
func changedLines(s string) string {
	var sb strings.Builder
	for _, line := range strings.SplitAfter(s, "\n") {
		if strings.HasPrefix(line, "+") || strings.HasPrefix(line, "-") {
			sb.WriteString(line)
		}
	}
	return sb.String()
}

func memoryJSON(mem []byte) ([]byte, error) {
	rows := make(map[string]string, (len(mem)+memoryRow-1)/memoryRow)
	for off := 0; off < len(mem); off += memoryRow {
		end := min(off+memoryRow, len(mem))
		rows[fmt.Sprintf("0x%04x", off)] = hex.EncodeToString(mem[off:end])
	}
	return json.Marshal(rows)
}

// DiffMemory compares two memory windows row by row and renders the rows
// that differ. It returns "" when the windows match.
func DiffMemory(want, got []byte) (string, error) {
	left, err := memoryJSON(want)
	if err != nil {
		return "", err
	}
	right, err := memoryJSON(got)
	if err != nil {
		return "", err
	}
	opts := jsondiff.DefaultConsoleOptions()
	opts.SkipMatches = true
	opts.Added = jsondiff.Tag{Begin: "+ "}
	opts.Removed = jsondiff.Tag{Begin: "- "}
	opts.Changed = jsondiff.Tag{Begin: "~ "}
	d, text := jsondiff.Compare(left, right, &opts)
	switch d {
	case jsondiff.FullMatch:
		return "", nil
	case jsondiff.FirstArgIsInvalidJson, jsondiff.SecondArgIsInvalidJson, jsondiff.BothArgsAreInvalidJson:
		return "", fmt.Errorf("diff memory: %s", d)
	}
	return text, nil
}
