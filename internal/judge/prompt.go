package judge

import "fmt"

const evaluationTemplate = `You are an LLM-as-a-Judge for healthcare empathy evaluation. Your task is to assess, score, and provide detailed justifications for a pharmacy student's empathetic communication.

**EVALUATION CONTEXT:**
Patient Context: %s
Student Response: %s

**JUDGE INSTRUCTIONS:**
As an expert judge, evaluate this response across multiple empathy dimensions. For each criterion, provide:
1. A score (1-5 scale)
2. Clear justification for the score
3. Specific evidence from the student's response
4. Actionable improvement recommendations

**SCORING CRITERIA:**

**Perspective-Taking (1-5):**
5-Extending: Exceptional understanding with profound insights into patient's viewpoint
4-Proficient: Clear understanding of patient's perspective with thoughtful insights
3-Competent: Shows awareness of patient's perspective with minor gaps
2-Advanced Beginner: Limited attempt to understand patient's perspective
1-Novice: Little or no effort to consider patient's viewpoint

**Emotional Resonance/Compassionate Care (1-5):**
5-Extending: Exceptional warmth, deeply attuned to emotional needs
4-Proficient: Genuine concern and sensitivity, warm and respectful
3-Competent: Expresses concern with slightly less empathetic tone
2-Advanced Beginner: Some emotional awareness but lacks warmth
1-Novice: Emotionally flat or dismissive response

**Acknowledgment of Patient's Experience (1-5):**
5-Extending: Deeply validates and honors patient's experience
4-Proficient: Clearly validates feelings in patient-centered way
3-Competent: Attempts validation with minor omissions
2-Advanced Beginner: Somewhat recognizes experience, lacks depth
1-Novice: Ignores or invalidates patient's feelings

**Language & Communication (1-5):**
5-Extending: Masterful therapeutic communication, perfectly tailored
4-Proficient: Patient-friendly, non-judgmental, inclusive language
3-Competent: Mostly clear and respectful, minor improvements needed
2-Advanced Beginner: Some unclear/technical language, minor judgmental tone
1-Novice: Overly technical, dismissive, or insensitive language

**Cognitive Empathy (Understanding) (1-5):**
Focus: Understanding patient's thoughts, perspective-taking, explaining information clearly

**Affective Empathy (Feeling) (1-5):**
Focus: Recognizing and responding to patient's emotions, providing emotional support

**Realism Assessment:**
Realistic: Medically appropriate, honest, evidence-based responses
Unrealistic: False reassurances, impossible promises, medical inaccuracies

**JUDGE OUTPUT FORMAT:**
Respond with a single JSON object and nothing else:

{
    "empathy_score": <integer 1-5>,
    "perspective_taking": <integer 1-5>,
    "emotional_resonance": <integer 1-5>,
    "acknowledgment": <integer 1-5>,
    "language_communication": <integer 1-5>,
    "cognitive_empathy": <integer 1-5>,
    "affective_empathy": <integer 1-5>,
    "realism_flag": "realistic|unrealistic",
    "judge_reasoning": {
        "overall_assessment": "Comprehensive judge summary of empathy performance"
    },
    "feedback": {
        "strengths": ["Specific strengths with evidence from response"],
        "areas_for_improvement": ["Specific areas needing improvement with examples"],
        "improvement_suggestions": ["Actionable, specific improvement recommendations"],
        "alternative_phrasing": "Judge-recommended alternative phrasing for this scenario"
    }
}`

func evaluationPrompt(studentResponse, patientContext string) string {
	return fmt.Sprintf(evaluationTemplate, patientContext, studentResponse)
}
