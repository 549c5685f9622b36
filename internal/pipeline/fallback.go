package pipeline

import (
	"fmt"
	"strings"
)

// 模型输出不足时使用的问题模板，%[1]s 为研究问题，%[2]s 为目标人群。
var fallbackQuestionTemplates = []string{
	"What is your current experience with %[1]s?",
	"What are the biggest challenges you face related to %[1]s?",
	"How do you usually make decisions about %[1]s?",
	"What tools or resources do you rely on today when it comes to %[1]s?",
	"What would an ideal solution for %[1]s look like for you?",
	"How do other %[2]s you know approach %[1]s differently from you?",
	"What has frustrated you most about %[1]s in the past year?",
	"What would make you change the way you handle %[1]s?",
	"How much time or money do you spend on %[1]s, and is it worth it?",
	"Where do you see %[1]s heading for %[2]s over the next few years?",
}

// padQuestions 用模板补足问题数量，返回补齐后的列表和补充的个数。
func padQuestions(questions []string, want int, topic, demographic string) ([]string, int) {
	seen := make(map[string]bool, len(questions))
	for _, q := range questions {
		seen[normalizeKey(q)] = true
	}
	topic = strings.TrimRight(strings.TrimSpace(topic), "?.!")
	padded := 0
	for i := 0; len(questions) < want; i++ {
		var q string
		if i < len(fallbackQuestionTemplates) {
			q = fmt.Sprintf(fallbackQuestionTemplates[i], topic, demographic)
		} else {
			q = fmt.Sprintf("Is there anything else about %s you would like to share? (%d)", topic, i-len(fallbackQuestionTemplates)+1)
		}
		if seen[normalizeKey(q)] {
			continue
		}
		seen[normalizeKey(q)] = true
		questions = append(questions, q)
		padded++
	}
	return questions, padded
}

type personaTemplate struct {
	name       string
	age        int
	seniority  string
	traits     []string
	style      string
	background string
}

var fallbackPersonaTemplates = []personaTemplate{
	{"Alex Chen", 29, "Early-career", []string{"curious", "pragmatic", "tech-savvy"}, "Direct and concise, with concrete examples", "Recently moved into this group and is still forming habits"},
	{"Maria Santos", 41, "Veteran", []string{"skeptical", "detail-oriented", "experienced"}, "Measured and thoughtful, often questions assumptions", "Has seen several waves of change and distrusts hype"},
	{"Jordan Patel", 34, "Mid-career", []string{"ambitious", "collaborative", "time-constrained"}, "Energetic and fast-paced, focuses on outcomes", "Balances a demanding schedule with family commitments"},
	{"Priya Nair", 26, "Newcomer", []string{"optimistic", "eager to learn", "budget-conscious"}, "Casual and open, shares personal anecdotes", "Entered this group within the last year on a tight budget"},
	{"Samuel Okafor", 52, "Senior", []string{"methodical", "risk-averse", "loyal"}, "Formal and deliberate, prefers structured discussion", "Leads others and is accountable for long-term decisions"},
	{"Emily Johansson", 38, "Experienced", []string{"independent", "analytical", "outspoken"}, "Blunt and candid, backs opinions with data", "Switched approaches twice after bad experiences"},
	{"Diego Ramirez", 31, "Hands-on", []string{"resourceful", "impatient", "practical"}, "Informal and animated, talks through real scenarios", "Learned mostly by trial and error without formal guidance"},
	{"Hannah Kim", 45, "Established", []string{"cautious", "empathetic", "organized"}, "Warm and reflective, considers impact on others", "Supports a team that depends on her recommendations"},
	{"Liam O'Connor", 23, "Entry-level", []string{"adaptable", "social", "experimental"}, "Playful and quick, references peers and online communities", "Digital native who tries new options before others"},
	{"Fatima Al-Sayed", 58, "Late-career", []string{"wise", "principled", "conservative"}, "Calm and story-driven, draws on long experience", "Has mentored many newcomers over a long career"},
}

// fallbackPersonas 基于人群描述生成模板画像，跳过已被占用的名字。
func fallbackPersonas(demographic string, n int, taken map[string]bool) []PersonaDraft {
	demographic = strings.TrimSpace(demographic)
	var out []PersonaDraft
	for i := 0; len(out) < n; i++ {
		t := fallbackPersonaTemplates[i%len(fallbackPersonaTemplates)]
		name := t.name
		if round := i / len(fallbackPersonaTemplates); round > 0 {
			name = fmt.Sprintf("%s %d", t.name, round+1)
		}
		if taken[normalizeKey(name)] {
			continue
		}
		taken[normalizeKey(name)] = true
		out = append(out, PersonaDraft{
			Name:               name,
			Age:                t.age,
			Role:               clampRunes(fmt.Sprintf("%s member of %s", t.seniority, demographic), maxPersonaFieldLength),
			Traits:             append([]string(nil), t.traits...),
			CommunicationStyle: t.style,
			Background:         t.background,
		})
	}
	return out
}
