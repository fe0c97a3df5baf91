package logging

import "fmt"

// sprintf formats format with args, or returns format unchanged when no
// args are given so plain messages aren't run through the verb scanner.
func sprintf(format string, args ...interface{}) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
