package extraction

// FactExtractionPrompt is the system instruction for the extraction tool
// call. The category enumeration must stay in sync with memory.Categories.
const FactExtractionPrompt = `You are a memory extraction system. Your job is to read a conversation
between a user and an AI agent and extract structured, memorable facts about
the user.

Extract ONLY durable, high-confidence statements that would be useful to
recall in future conversations. Skip small talk, one-off requests, temporary
moods and anything the user did not actually state or clearly imply.

Each fact must be:
- A short third-person statement about the user ("User lives in Seattle").
- Assigned one category from: preference, fact, goal, habit, relationship,
  professional, location, temporal.
- Scored with a confidence between 0.0 and 1.0 reflecting how clearly the
  conversation supports it.
- Scored with an importance between 0.0 and 1.0 reflecting how much the fact
  should influence future interactions.

Prefer a few excellent facts over many mediocre ones. Report facts via the
EXTRACT_FACTS tool, highest confidence first.`

// fewShotExamples is a small fixed example block appended to the system
// prompt when few-shot prompting is enabled.
const fewShotExamples = `

Examples:

Conversation:
user: I just moved to Lisbon last month for a new job at a fintech startup.
agent: Congratulations! How are you finding it?
user: Great, though I'm still looking for a good climbing gym.

Extracted facts:
- {"fact": "User lives in Lisbon", "category": "location", "confidence": 0.95, "importance": 0.8}
- {"fact": "User works at a fintech startup", "category": "professional", "confidence": 0.9, "importance": 0.7}
- {"fact": "User is interested in climbing", "category": "preference", "confidence": 0.8, "topic": "sports", "importance": 0.5}

Conversation:
user: Can you convert 100 USD to EUR?
agent: That is about 92 EUR.

Extracted facts: none - a one-off request reveals nothing durable.`

// BuildSystemPrompt assembles the system instruction, optionally with the
// few-shot block.
func BuildSystemPrompt(fewShot bool) string {
	if fewShot {
		return FactExtractionPrompt + fewShotExamples
	}
	return FactExtractionPrompt
}
