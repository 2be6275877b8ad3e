package scan

// TriggersRescan exposes the watch event filter to the external tests.
func (scanner *Scanner) TriggersRescan(path string) bool {
	return scanner.triggersRescan(path)
}
