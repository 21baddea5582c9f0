package main

// Static catalogs the session hands to the controller. These are UI
// furniture, not behavior: themes only pick the accent color peers see in
// presence, and playbooks are canned prompts staged behind a confirm.

// themeAccents maps a theme name to the presence color written to the
// shared tree. Unknown themes keep the default accent so a hand-edited
// chat_config.json never breaks startup.
var themeAccents = map[string]string{
	"default":  "cyan",
	"midnight": "blue",
	"forest":   "green",
	"ember":    "red",
	"paper":    "white",
}

// themeColor resolves the accent for a theme name.
func themeColor(theme string) string {
	if color, ok := themeAccents[theme]; ok {
		return color
	}
	return themeAccents["default"]
}

// playbookCatalog returns the built-in playbook prompts keyed by name.
// The controller stages these behind a y/n confirm before submitting.
func playbookCatalog() map[string]string {
	return map[string]string{
		"standup": "Summarize what changed in this room since yesterday.\n" +
			"Group by author, call out blockers, and keep it under ten lines.",
		"triage": "Read the recent messages in this room and list anything that\n" +
			"looks like an unresolved problem, question, or failing check.\n" +
			"Order the list by how urgent each item sounds.",
		"handoff": "Write a handoff note for whoever picks this room up next:\n" +
			"current state, decisions made, and the first thing to do tomorrow.",
		"retro": "Look back over this room's discussion and suggest one thing\n" +
			"that went well, one that dragged, and one concrete improvement.",
	}
}
