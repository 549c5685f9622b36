package pipeline

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Parsed 是解析模型输出的结果：OK 为 true 时 Items 可用，否则只保留原始文本用于日志。
type Parsed[T any] struct {
	Items []T
	Raw   string
	OK    bool
}

func parsedOK[T any](raw string, items []T) Parsed[T] {
	return Parsed[T]{Items: items, Raw: raw, OK: len(items) > 0}
}

func parseFailed[T any](raw string) Parsed[T] {
	return Parsed[T]{Raw: raw}
}

// PersonaDraft 是从模型输出中解析出的画像，尚未持久化。
type PersonaDraft struct {
	Name               string
	Age                int
	Role               string
	Traits             []string
	CommunicationStyle string
	Background         string
}

const (
	defaultPersonaAge = 35
	maxQuestionLength = 300
	// 与 personas 表 name / role 列的 varchar(255) 一致
	maxPersonaFieldLength = 255
)

var (
	fencePattern  = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")
	numberPattern = regexp.MustCompile(`^(?:[-*•]+|\(?\d{1,2}[.):\]]|(?i:q(?:uestion)?\s*\d{1,2}\s*[.:)\-]))\s*`)
	// 这些片段说明模型把提示词原样复述了回来
	promptArtifacts = []string{"Requirements:", "Generate", "Format:", "Topic:", "Target Audience:"}
)

// stripFences 去掉 markdown 代码块，只保留第一个代码块的内容。
func stripFences(text string) string {
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// ParseQuestions 解析问题生成的输出。支持 JSON 数组、{"questions": [...]} 以及编号或项目符号列表。
func ParseQuestions(text string) Parsed[string] {
	body := stripFences(text)
	if body == "" {
		return parseFailed[string](text)
	}

	if items, ok := questionsFromJSON(body); ok {
		return parsedOK(text, dedupeQuestions(items, false))
	}

	return parsedOK(text, dedupeQuestions(strings.Split(body, "\n"), true))
}

func questionsFromJSON(body string) ([]string, bool) {
	raw, ok := extractJSON(body)
	if !ok {
		return nil, false
	}
	var value interface{}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, false
	}
	if obj, isObj := value.(map[string]interface{}); isObj {
		value = obj["questions"]
	}
	list, isList := value.([]interface{})
	if !isList {
		return nil, false
	}
	var out []string
	for _, item := range list {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case map[string]interface{}:
			if q, ok := v["question"].(string); ok {
				out = append(out, q)
			}
		}
	}
	return out, true
}

// dedupeQuestions 清洗并去重。requireQuestionMark 用于逐行文本，过滤掉标题和说明性语句。
func dedupeQuestions(candidates []string, requireQuestionMark bool) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range candidates {
		q := cleanQuestion(c)
		if q == "" || len(q) > maxQuestionLength || hasPromptArtifact(q) {
			continue
		}
		if requireQuestionMark && !strings.HasSuffix(q, "?") {
			continue
		}
		key := normalizeKey(q)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, q)
	}
	return out
}

func cleanQuestion(s string) string {
	q := strings.TrimSpace(s)
	q = strings.Trim(q, "*_")
	q = strings.TrimSpace(numberPattern.ReplaceAllString(q, ""))
	q = strings.Trim(q, "\"'`*_ ")
	return strings.TrimSpace(q)
}

func hasPromptArtifact(s string) bool {
	for _, a := range promptArtifacts {
		if strings.Contains(s, a) {
			return true
		}
	}
	return false
}

// extractJSON 截取文本中最外层的 JSON 对象或数组。
func extractJSON(text string) (string, bool) {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", false
	}
	closer := byte('}')
	if text[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(text, closer)
	if end <= start {
		return "", false
	}
	return text[start : end+1], true
}

// ParsePersonas 解析画像生成的输出。支持 {"personas": [...]}、裸数组和代码块包裹的 JSON。
func ParsePersonas(text string) Parsed[PersonaDraft] {
	raw, ok := extractJSON(stripFences(text))
	if !ok {
		return parseFailed[PersonaDraft](text)
	}
	var value interface{}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return parseFailed[PersonaDraft](text)
	}

	var list []interface{}
	switch v := value.(type) {
	case []interface{}:
		list = v
	case map[string]interface{}:
		if arr, isArr := v["personas"].([]interface{}); isArr {
			list = arr
		} else if _, hasName := v["name"]; hasName {
			list = []interface{}{v}
		}
	}

	seen := make(map[string]bool)
	var drafts []PersonaDraft
	for _, item := range list {
		obj, isObj := item.(map[string]interface{})
		if !isObj {
			continue
		}
		d, valid := personaFromMap(obj)
		if !valid || seen[normalizeKey(d.Name)] {
			continue
		}
		seen[normalizeKey(d.Name)] = true
		drafts = append(drafts, d)
	}
	return parsedOK(text, drafts)
}

func personaFromMap(obj map[string]interface{}) (PersonaDraft, bool) {
	d := PersonaDraft{
		Name:               clampRunes(stringField(obj, "name"), maxPersonaFieldLength),
		Age:                ageField(obj["age"]),
		Role:               clampRunes(stringField(obj, "role", "job", "occupation", "title"), maxPersonaFieldLength),
		Traits:             traitsField(obj["traits"]),
		CommunicationStyle: strings.TrimSpace(stringField(obj, "communication_style", "communicationStyle")),
		Background:         strings.TrimSpace(stringField(obj, "background")),
	}
	return d, d.Name != ""
}

// clampRunes 去掉首尾空白，并按字符（而非字节）截断到 limit 个。
func clampRunes(s string, limit int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:limit]))
}

func stringField(obj map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			switch t := v.(type) {
			case string:
				return t
			default:
				return fmt.Sprint(t)
			}
		}
	}
	return ""
}

// ageField 接受数字或数字字符串，超出 18..99 时使用默认值。
func ageField(v interface{}) int {
	age := 0
	switch t := v.(type) {
	case float64:
		age = int(t)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			age = n
		}
	}
	if age < 18 || age > 99 {
		return defaultPersonaAge
	}
	return age
}

func traitsField(v interface{}) []string {
	var raw []string
	switch t := v.(type) {
	case []interface{}:
		for _, item := range t {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	case string:
		raw = strings.Split(t, ",")
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// looksMalformedAnswer 判断访谈回答是否其实是结构化数据或提示词残留。
func looksMalformedAnswer(answer string) bool {
	a := strings.TrimSpace(answer)
	return strings.HasPrefix(a, "{") || strings.HasPrefix(a, "[") || strings.Contains(a, `"personas"`)
}
