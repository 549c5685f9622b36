package pipeline

import (
	"fmt"
	"persona-research-go/internal/model"
	"strings"
)

func questionPrompt(s *model.ResearchSession, want int, strict bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Generate exactly %d distinct, open-ended interview questions for user research.\n\n", want)
	b.WriteString("The questions should explore current practices, specific challenges, decision-making, ideal solutions and future perspectives. ")
	b.WriteString("Make each one specific to the audience and avoid generic wording.\n\n")
	fmt.Fprintf(&b, "Research question: %s\n", s.ResearchQuestion)
	fmt.Fprintf(&b, "Audience: %s\n\n", s.TargetDemographic)
	if strict {
		fmt.Fprintf(&b, "Return ONLY a JSON array of %d strings, each ending with a question mark. No commentary, no numbering, no markdown.", want)
	} else {
		b.WriteString("Put each question on its own numbered line.")
	}
	return b.String()
}

func personaPrompt(s *model.ResearchSession, want int, strict bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Create exactly %d distinct personas to be interviewed about: %s\n", want, s.ResearchQuestion)
	fmt.Fprintf(&b, "Every persona must belong to this audience: %s\n\n", s.TargetDemographic)
	b.WriteString("For each persona provide: name (full name), age (number), role (job title or role), ")
	b.WriteString("traits (3-4 personality traits as a list), communication_style, background (one detail shaping their view).\n\n")
	if strict {
		b.WriteString(`Return ONLY valid JSON of the form {"personas": [{"name": "...", "age": 30, "role": "...", "traits": ["..."], "communication_style": "...", "background": "..."}]}. `)
		b.WriteString("No markdown, no commentary, and no duplicate names.")
	} else {
		b.WriteString(`Respond in JSON with a "personas" array.`)
	}
	return b.String()
}

func interviewPrompt(p *model.Persona, history []model.QAPair, question string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a %d-year-old %s", p.Name, p.Age, p.Role)
	if traits := p.TraitList(); len(traits) > 0 {
		fmt.Fprintf(&b, " who is %s", strings.Join(traits, ", "))
	}
	b.WriteString(".\n")
	if p.CommunicationStyle != "" {
		fmt.Fprintf(&b, "Your communication style: %s\n", p.CommunicationStyle)
	}
	if p.Background != "" {
		fmt.Fprintf(&b, "Background: %s\n", p.Background)
	}
	if len(history) > 0 {
		b.WriteString("\nSo far in this interview you have said:\n")
		for _, qa := range history {
			if qa.Degraded {
				continue
			}
			fmt.Fprintf(&b, "Q: %s\nA: %s\n", qa.Question, qa.Answer)
		}
	}
	fmt.Fprintf(&b, "\nAnswer the next question in 2-3 sentences as %s, in your own voice. ", p.Name)
	b.WriteString("Stay consistent with what you said earlier. Do not use JSON, code or markup. ")
	b.WriteString("Be realistic rather than overly optimistic and give honest answers.\n\n")
	fmt.Fprintf(&b, "Question: %s", question)
	return b.String()
}

func synthesisPrompt(s *model.ResearchSession, personas []*model.Persona, transcripts []model.InterviewTranscript) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze these %d user interviews about %q among %s and provide a concise yet comprehensive analysis:\n\n",
		len(transcripts), s.ResearchQuestion, s.TargetDemographic)
	b.WriteString("1. KEY THEMES: patterns and common themes across all interviews.\n")
	b.WriteString("2. DIVERSE PERSPECTIVES: contrasting viewpoints or unique insights from different personas.\n")
	b.WriteString("3. PAIN POINTS & OPPORTUNITIES: challenges, frustrations and unmet needs.\n")
	b.WriteString("4. ACTIONABLE RECOMMENDATIONS: concrete, implementable next steps.\n\n")
	b.WriteString("Interview data:\n")
	for i, t := range transcripts {
		p := personas[i]
		fmt.Fprintf(&b, "\nInterview %d - %s (%d, %s)\n", i+1, p.Name, p.Age, p.Role)
		if traits := p.TraitList(); len(traits) > 0 {
			fmt.Fprintf(&b, "Traits: %s\n", strings.Join(traits, ", "))
		}
		for _, qa := range t.Responses {
			fmt.Fprintf(&b, "Q%d: %s\nA%d: %s\n", qa.Sequence+1, qa.Question, qa.Sequence+1, qa.Answer)
		}
	}
	return b.String()
}
