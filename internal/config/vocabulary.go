package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Vocabulary 是和坐席平台文案相关、可按部署覆盖的词表。
// 空字段表示使用各组件自带的默认值。
type Vocabulary struct {
	DisconnectPhrases []string      `yaml:"disconnect_phrases"`
	ControlPrefix     string        `yaml:"control_content_type_prefix"`
	Notices           NoticesConfig `yaml:"notices"`
}

// NoticesConfig 是切回机器人时追加的系统提示。
type NoticesConfig struct {
	Returned string `yaml:"returned"`
	Ended    string `yaml:"ended"`
}

// LoadVocabulary 读取 YAML 词表文件，path 为空时返回空词表。
func LoadVocabulary(path string) (Vocabulary, error) {
	if path == "" {
		return Vocabulary{}, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Vocabulary{}, fmt.Errorf("read vocabulary file: %w", err)
	}
	return ParseVocabulary(raw)
}

// ParseVocabulary 解析词表内容并清理空白项。
func ParseVocabulary(raw []byte) (Vocabulary, error) {
	var v Vocabulary
	if err := yaml.Unmarshal(raw, &v); err != nil {
		return Vocabulary{}, fmt.Errorf("parse vocabulary: %w", err)
	}

	phrases := make([]string, 0, len(v.DisconnectPhrases))
	for _, p := range v.DisconnectPhrases {
		if p = strings.TrimSpace(p); p != "" {
			phrases = append(phrases, p)
		}
	}
	if len(phrases) == 0 {
		phrases = nil
	}
	v.DisconnectPhrases = phrases
	v.ControlPrefix = strings.TrimSpace(v.ControlPrefix)
	v.Notices.Returned = strings.TrimSpace(v.Notices.Returned)
	v.Notices.Ended = strings.TrimSpace(v.Notices.Ended)
	return v, nil
}
