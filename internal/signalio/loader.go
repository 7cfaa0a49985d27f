package signalio

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/tidwall/gjson"
)

// ParseSignals 校验并解析信号数组。先用 gjson 做宽松的结构检查（能给出
// 友好的定位信息），再过 JSON Schema，最后严格反序列化。
func ParseSignals(raw []byte) ([]Signal, error) {
	if err := precheckArray(raw, "signal"); err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("signal file: %w", err)
	}
	if err := validateAgainst(signalSchema, doc, "signal"); err != nil {
		return nil, err
	}
	var signals []Signal
	if err := json.Unmarshal(raw, &signals); err != nil {
		return nil, fmt.Errorf("signal file: %w", err)
	}
	sort.SliceStable(signals, func(i, j int) bool { return signals[i].Timestamp < signals[j].Timestamp })
	return signals, nil
}

// ParsePerfectSignals 校验并解析完美信号参考集。
func ParsePerfectSignals(raw []byte) ([]PerfectSignal, error) {
	if err := precheckArray(raw, "perfect signal"); err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("perfect signal file: %w", err)
	}
	if err := validateAgainst(perfectSchema, doc, "perfect signal"); err != nil {
		return nil, err
	}
	var signals []PerfectSignal
	if err := json.Unmarshal(raw, &signals); err != nil {
		return nil, fmt.Errorf("perfect signal file: %w", err)
	}
	sort.SliceStable(signals, func(i, j int) bool { return signals[i].Timestamp < signals[j].Timestamp })
	return signals, nil
}

// ReadSignals 读取并校验信号文件。
func ReadSignals(path string) ([]Signal, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signal file: %w", err)
	}
	return ParseSignals(raw)
}

// ReadPerfectSignals 读取只读的完美信号参考集。
func ReadPerfectSignals(path string) ([]PerfectSignal, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read perfect signal file: %w", err)
	}
	return ParsePerfectSignals(raw)
}

// WriteSignals 以稳定字段名落盘。
func WriteSignals(path string, signals []Signal) error {
	data, err := json.MarshalIndent(signals, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func precheckArray(raw []byte, kind string) error {
	if !gjson.ValidBytes(raw) {
		return fmt.Errorf("%s file: invalid json", kind)
	}
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsArray() {
		return fmt.Errorf("%s file: root must be a json array", kind)
	}
	var bad error
	idx := 0
	parsed.ForEach(func(_, value gjson.Result) bool {
		idx++
		if !value.IsObject() {
			bad = fmt.Errorf("%s file: entry %d is not an object", kind, idx)
			return false
		}
		if !value.Get("timestamp").Exists() {
			bad = fmt.Errorf("%s file: entry %d missing timestamp", kind, idx)
			return false
		}
		return true
	})
	return bad
}
