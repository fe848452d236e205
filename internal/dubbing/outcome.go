package dubbing

import (
	"fmt"
	"strings"

	"github.com/kiranshivaraju/dubhub/pkg/models"
)

// OutcomeKind classifies how one language's run ended.
type OutcomeKind int

const (
	// OutcomeSucceeded: the record reached waiting_approval.
	OutcomeSucceeded OutcomeKind = iota
	// OutcomeFailed: the record is failed; other languages continue.
	OutcomeFailed
	// OutcomeCancelled: the job was cancelled or the run interrupted; stop.
	OutcomeCancelled
	// OutcomeInfrastructure: a shared dependency is down; fail the job.
	OutcomeInfrastructure
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeInfrastructure:
		return "infrastructure"
	}
	return fmt.Sprintf("OutcomeKind(%d)", int(k))
}

// LanguageOutcome is the result of running one language through the worker.
type LanguageOutcome struct {
	Language string
	Kind     OutcomeKind
	Video    *models.LocalizedVideo
	Err      error
}

func succeeded(v *models.LocalizedVideo) LanguageOutcome {
	return LanguageOutcome{Language: v.LanguageCode, Kind: OutcomeSucceeded, Video: v}
}

func failed(v *models.LocalizedVideo, err *LanguageStageError) LanguageOutcome {
	return LanguageOutcome{Language: v.LanguageCode, Kind: OutcomeFailed, Video: v, Err: err}
}

func cancelled(lang string, err error) LanguageOutcome {
	return LanguageOutcome{Language: lang, Kind: OutcomeCancelled, Err: err}
}

func infrastructure(lang string, err error) LanguageOutcome {
	return LanguageOutcome{Language: lang, Kind: OutcomeInfrastructure, Err: err}
}

// summarizeFailures joins the errors of failed outcomes into one message.
func summarizeFailures(outcomes []LanguageOutcome) string {
	var parts []string
	for _, o := range outcomes {
		if o.Kind == OutcomeFailed && o.Err != nil {
			parts = append(parts, o.Err.Error())
		}
	}
	if len(parts) == 0 {
		return "all languages failed"
	}
	return "all languages failed: " + strings.Join(parts, "; ")
}
