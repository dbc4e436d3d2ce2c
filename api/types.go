// types.go - Basis-Typen fuer die API
// Enthaelt: StatusError

package api

import "fmt"

// StatusError ist ein Fehler mit Statuscode und Nachricht. Engine.Submit und
// Engine.Cancel geben ihn nicht zurueck (Submit liefert ErrMaxQueue bzw.
// gewrappte Fehler, Cancel einen bool).
type StatusError struct {
	StatusCode   int
	Status       string
	ErrorMessage string `json:"error"`
}

func (e StatusError) Error() string {
	switch {
	case e.Status != "" && e.ErrorMessage != "":
		return fmt.Sprintf("%s: %s", e.Status, e.ErrorMessage)
	case e.Status != "":
		return e.Status
	case e.ErrorMessage != "":
		return e.ErrorMessage
	default:
		return "something went wrong, please see the engine logs for details"
	}
}
