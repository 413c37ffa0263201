/*
Package notify renders the four events spec.md's notification surface
names — booking created, booking expiring, booking expired, account
created — through text/template against operator-supplied template
files, then hands the rendered body to an injected Sender.

There is no SMTP (or other mail transport) library anywhere in the
example corpus to ground a concrete sender on, so Sender stays an
interface with only a logging implementation in this module; a real
deployment supplies its own.

Grounded on the text/template.ParseFiles-into-bytes.Buffer-then-Execute
idiom used for config/document rendering elsewhere in the pack (e.g.
doublezero's controller/internal/controller/render.go).
*/
package notify
