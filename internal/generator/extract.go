// Package generator 实现产物生成器
package generator

import (
	"encoding/json"
	"strings"

	"kinecraft-server/internal/pipeline"
)

// ExtractJSON 从模型的自由文本输出中提取 JSON
// 模型响应可能把 JSON 包在叙述文字或代码围栏里，
// 按固定顺序尝试三种策略：
// 1. 带 json 标签的代码块
// 2. 任意代码块
// 3. 对原始文本做花括号配平扫描
// 三种策略全部失败才判定整个调用失败（GenerationError），
// 绝不做静默吞错的 catch 链
func ExtractJSON(raw string) ([]byte, error) {
	// 1. 带标签的代码块: ```json ... ```
	if candidate, ok := fencedBlock(raw, "```json"); ok {
		if json.Valid(candidate) {
			return candidate, nil
		}
	}

	// 2. 任意代码块: ``` ... ```
	if candidate, ok := fencedBlock(raw, "```"); ok {
		if json.Valid(candidate) {
			return candidate, nil
		}
	}

	// 3. 花括号配平扫描
	if candidate, ok := balancedBraces(raw); ok {
		if json.Valid(candidate) {
			return candidate, nil
		}
	}

	return nil, pipeline.New(pipeline.KindGeneration, "模型输出中未找到合法的 JSON").
		WithDetail(truncateDetail(raw, 500))
}

// fencedBlock 提取第一个以 marker 开头的代码围栏内容
func fencedBlock(raw, marker string) ([]byte, bool) {
	start := strings.Index(raw, marker)
	if start < 0 {
		return nil, false
	}
	body := raw[start+len(marker):]
	// 跳过围栏标记后的语言名残余与换行
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && marker == "```" {
		firstLine := strings.TrimSpace(body[:nl])
		// "```json" 已在策略 1 处理；这里容忍 "```javascript" 等任何语言名
		if firstLine != "" && !strings.HasPrefix(firstLine, "{") && !strings.HasPrefix(firstLine, "[") {
			body = body[nl+1:]
		}
	}
	end := strings.Index(body, "```")
	if end < 0 {
		return nil, false
	}
	return []byte(strings.TrimSpace(body[:end])), true
}

// balancedBraces 在原始文本中扫描第一段花括号配平的片段
// 扫描时跳过字符串字面量和转义符，避免被内容里的花括号骗到
func balancedBraces(raw string) ([]byte, bool) {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return nil, false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return []byte(raw[start : i+1]), true
				}
			}
		}
	}
	return nil, false
}

// truncateDetail 截断诊断文本，避免日志被超长模型输出撑爆
func truncateDetail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
