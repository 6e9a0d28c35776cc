package flows

// Deps groups flow dependency sets. The root Gate builds this once and
// delegates each request method to the matching flow.
type Deps struct {
	Refresh RefreshDeps
	Login   LoginDeps
}
