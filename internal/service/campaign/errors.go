package campaign

import "errors"

// Sentinel errors for the campaign service layer.
var (
	ErrNotFound          = errors.New("campaign not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidCampaign   = errors.New("invalid campaign definition")
	ErrNotEditable       = errors.New("campaign can only be edited while draft")
	ErrNoRecipients      = errors.New("campaign has no recipients to send")
	ErrNoAccounts        = errors.New("campaign has no usable sending account")
	ErrNoABTest          = errors.New("campaign has no a/b test")
	ErrWinnerSelected    = errors.New("a/b winner already selected")
)
