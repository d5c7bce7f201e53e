package terminal

import "strings"

// Sanitize removes the command echo and the trailing prompt that the
// device interleaves with its own output. A line is dropped when its
// trimmed text equals the trimmed command or the prompt.
func Sanitize(response, command, prompt string) string {
	command = strings.TrimSpace(command)
	prompt = strings.TrimSpace(prompt)

	lines := strings.Split(response, "\n")
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)
		if command != "" && trimmed == command {
			continue
		}
		if prompt != "" && trimmed == prompt {
			continue
		}
		cleaned = append(cleaned, line)
	}
	return strings.Trim(strings.Join(cleaned, "\n"), "\r\n")
}
