// Package admission holds the process-wide admitted-connection counter and the
// admission cap that bounds it.
package admission
