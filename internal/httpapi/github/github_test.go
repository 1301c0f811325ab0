package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeflow/conductor/internal/events"
)

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifier_AcceptsValidSignature(t *testing.T) {
	secret := []byte("shh")
	body := []byte(`{"hello":"world"}`)
	v := Verifier{Secret: secret}
	assert.True(t, v.Verify(sign(secret, body), body))
}

func TestVerifier_RejectsTamperedBody(t *testing.T) {
	secret := []byte("shh")
	v := Verifier{Secret: secret}
	assert.False(t, v.Verify(sign(secret, []byte("original")), []byte("tampered")))
}

func TestVerifier_RejectsMissingSecret(t *testing.T) {
	v := Verifier{}
	assert.False(t, v.Verify("sha256=deadbeef", []byte("x")))
}

func TestParse_CheckSuiteFailureMapsToCIFailed(t *testing.T) {
	p := Parser{}
	evs, err := p.Parse("check_suite", []byte(`{"check_suite": {"conclusion": "failure", "head_branch": "feature/AB-12-x", "pull_requests": [{"number": 7}]}}`))
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, events.KindCIFailed, evs[0].Kind)
	assert.Equal(t, 7, evs[0].PRNumber)
}

func TestParse_CheckSuiteSuccessMapsToCIPassed(t *testing.T) {
	p := Parser{}
	evs, err := p.Parse("check_suite", []byte(`{"check_suite": {"conclusion": "success"}}`))
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, events.KindCIPassed, evs[0].Kind)
}

func TestParse_ReviewStates(t *testing.T) {
	p := Parser{}

	approved, err := p.Parse("pull_request_review", []byte(`{"review": {"state": "approved"}, "pull_request": {"number": 1}}`))
	require.NoError(t, err)
	require.Len(t, approved, 1)
	assert.Equal(t, events.KindPRApproved, approved[0].Kind)

	changes, err := p.Parse("pull_request_review", []byte(`{"review": {"state": "changes_requested"}, "pull_request": {"number": 1}}`))
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, events.KindPRChangesRequested, changes[0].Kind)

	commented, err := p.Parse("pull_request_review", []byte(`{"review": {"state": "commented"}, "pull_request": {"number": 1}}`))
	require.NoError(t, err)
	assert.Empty(t, commented)
}

func TestParse_PullRequestClosedMergedMapsToPRMerged(t *testing.T) {
	p := Parser{}
	evs, err := p.Parse("pull_request", []byte(`{"action": "closed", "pull_request": {"number": 3, "merged": true}}`))
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, events.KindPRMerged, evs[0].Kind)
}

func TestParse_PullRequestClosedUnmergedIsDropped(t *testing.T) {
	p := Parser{}
	evs, err := p.Parse("pull_request", []byte(`{"action": "closed", "pull_request": {"number": 3, "merged": false}}`))
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestParse_IssueCommentOnlyWhenLinkedToPR(t *testing.T) {
	p := Parser{}

	linked, err := p.Parse("issue_comment", []byte(`{"issue": {"number": 5, "pull_request": {"url": "x"}}, "comment": {"body": "lgtm"}}`))
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, events.KindPRComment, linked[0].Kind)
	assert.Equal(t, []string{"lgtm"}, linked[0].Comments)

	unlinked, err := p.Parse("issue_comment", []byte(`{"issue": {"number": 5}, "comment": {"body": "lgtm"}}`))
	require.NoError(t, err)
	assert.Empty(t, unlinked)
}

func TestIssueKeyFromBranch(t *testing.T) {
	assert.Equal(t, "AB-12", IssueKeyFromBranch("feature/AB-12-add-search"))
	assert.Equal(t, "AB-12", IssueKeyFromBranch("fix/ab-12-hotfix"))
	assert.Equal(t, "", IssueKeyFromBranch("main"))
}
