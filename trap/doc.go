// Package trap routes trapped instructions out of the execution core.
//
// The dispatcher classifies each trap record and either resolves it locally,
// opens a speculative log entry and resumes the core before the owning
// service has answered, or blocks the core until a response frame arrives.
//
// Speculative entries snapshot the before-image of every region their
// provisional effect touches. A later "approved" response discards the
// images; a denial, or the absence of a response by the deadline, restores
// every touched region byte-for-byte and delivers a speculation fault to
// the process. Denial and timeout share one rejection path so the cost of
// rejection does not depend on its reason.
package trap
