package context

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

// Template names accepted by Render.
const (
	PromptIncident      = "incident"
	PromptVision        = "vision"
	PromptQueryAnalysis = "query_analysis"
	PromptChat          = "chat"
	PromptSummary       = "summary"
	PromptEscalation    = "escalation"
	PromptNotification  = "notification"
)

// IncidentData feeds PromptIncident.
type IncidentData struct {
	Analysis   any
	Incidents  any
	Responders any
	Zone       any
	Alerts     any
}

// VisionData feeds PromptVision.
type VisionData struct {
	Zone any
}

// QueryData feeds PromptQueryAnalysis.
type QueryData struct {
	Query string
	// Session is the conversation's structured context. Keys render sorted.
	Session map[string]any
}

// ChatData feeds PromptChat.
type ChatData struct {
	Intent string
	Data   any
}

// ReportData feeds the summary, escalation and notification prompts.
type ReportData struct {
	Snapshot any
	Event    any
}

const incidentPrompt = `You are an incident management AI for a live event. Given the latest analysis, current incidents, responders, zone context, and recent alerts, return ONLY this JSON:

{"actions":[{"type":"create|update|close|escalate|assign_responder|dispatch_responder|send_alert|lockdown_zone|none","incidentTypes":["<string>"],"incidentIds":["<string>"],"priority":"low|medium|high|critical","status":"<string>","responderIds":["<string>"],"zoneId":"<string>","alertType":"<string or null>","notes":"<string>","reason":"<string explaining why this action is needed>"}]}

Latest analysis: {{json .Analysis}}
Current incidents: {{json .Incidents}}
Current responders: {{json .Responders}}
Zone context: {{json .Zone}}
Recent alerts: {{json .Alerts}}

Rules:
- To close an incident, use "close" with its id in incidentIds and a reason.
- Use "create" when the analysis shows a hazard (for example fire) and no active incident of that type exists in the zone.
- Use "escalate" or "update" when an incident's priority should change.
- Use "assign_responder" with incidentIds and responderIds to put available responders on an incident.
- Use "send_alert" only if no similar alert already exists.
- If nothing needs to be done, return {"actions":[]}.
- Always explain the reason for each action.`

// Key names in the vision contract are read back verbatim by the vision agent.
const visionPrompt = `You are an event safety AI. Analyze the following image and zone context for all possible risks and incidents.
Return ONLY this JSON. For peopleCount, analyze the image only. Do NOT use or copy any value from the zone context such as currentOccupancy. If you cannot detect people, return 0.

{
  "peopleCount": <number>,
  "crowdDensity": "low|moderate|high",
  "smokeDetected": <true|false>,
  "fireDetected": <true|false>,
  "medicalEmergency": <true|false>,
  "potentialRisk": <true|false>,
  "incidentRecommended": <true|false>,
  "incidentType": "<string>",
  "suggestedAction": "<string>"
}
Zone context (for location, risk, and other metadata, but NOT for peopleCount): {{json .Zone}}`

const queryAnalysisPrompt = `You are an AI assistant analyzing user queries for a safety monitoring system.

Available data collections:
- incidents: emergency incidents with type, status, priority, zone, timestamp
- zones: areas with name, status, capacity (currentOccupancy/maxOccupancy)
- responders: emergency personnel with type, status, assignedIncident
- emergency_contacts: contact information
- analytics: system statistics

User Query: {{printf "%q" .Query}}
{{with .Session}}
Session context from earlier in this conversation:
{{range $k, $v := .}}- {{$k}}: {{$v}}
{{end}}
If the query refers back to something ("there", "that zone", "it", "the last incident"), resolve it from the session context and put the zone in specificFilters.
{{end}}
Analyze this query and return a JSON object with the following structure:
{
  "contextType": "incidents|zones|responders|contacts|analytics|general",
  "needsIncidents": boolean,
  "needsZones": boolean,
  "needsResponders": boolean,
  "needsContacts": boolean,
  "needsAnalytics": boolean,
  "specificFilters": {
    "status": "active|resolved|investigating",
    "priority": "critical|high|medium|low",
    "zone": "<zone id>",
    "type": "fire|medical|security|panic"
  },
  "intent": "incident_analysis|zone_analysis|responder_analysis|contacts|analytics|safety_recommendations|general",
  "suggestedSearches": ["<related search terms>"]
}

Only include filters that the query names.
If the query is about recent incidents, set needsIncidents: true and contextType: "incidents".
If asking about crowd levels or occupancy, set needsZones: true.
If asking about available help or personnel, set needsResponders: true.
If asking for statistics or overview, set needsAnalytics: true.

Return ONLY the JSON object, no other text.`

const chatPrompt = `You are the operations assistant for a live event safety team. Answer the operator's question using the data below and the conversation so far. Be concise. Name zones, incident ids and responder ids where they matter. If the data does not answer the question, say so.

Query intent: {{.Intent}}
Data snapshot: {{json .Data}}`

const summaryPrompt = `Data snapshot: {{json .Snapshot}}
{{- if .Event}}
Triggering event: {{json .Event}}
{{- end}}

Provide a situational summary and recommendations.`

const escalationPrompt = `Data snapshot: {{json .Snapshot}}
{{- if .Event}}
Triggering event: {{json .Event}}
{{- end}}

Given these critical unresolved incidents and alerts, generate an escalation summary and instructions for police, fire and EMS.`

const notificationPrompt = `Data snapshot: {{json .Snapshot}}
{{- if .Event}}
Triggering event: {{json .Event}}
{{- end}}

Given these zone risk levels and occupancy figures, generate attendee alerts and notification messages.`

var prompts = template.Must(template.New("prompts").Funcs(template.FuncMap{"json": toJSON}).Parse(""))

func init() {
	for name, text := range map[string]string{
		PromptIncident:      incidentPrompt,
		PromptVision:        visionPrompt,
		PromptQueryAnalysis: queryAnalysisPrompt,
		PromptChat:          chatPrompt,
		PromptSummary:       summaryPrompt,
		PromptEscalation:    escalationPrompt,
		PromptNotification:  notificationPrompt,
	} {
		template.Must(prompts.New(name).Parse(text))
	}
}

// Render executes the named prompt template with data.
func Render(name string, data any) (string, error) {
	t := prompts.Lookup(name)
	if t == nil {
		return "", fmt.Errorf("unknown prompt %q", name)
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return b.String(), nil
}

func toJSON(v any) string {
	if v == nil {
		return "null"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
