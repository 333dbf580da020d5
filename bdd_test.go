package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/cucumber/godog"
	_ "github.com/lib/pq"

	"github.com/PortNumber53/social-relay/internal/config"
	"github.com/PortNumber53/social-relay/internal/editdetect"
	"github.com/PortNumber53/social-relay/internal/handlers"
	"github.com/PortNumber53/social-relay/internal/models"
	"github.com/PortNumber53/social-relay/internal/store"
)

const bddConfigYAML = `
sources:
  - id: news-feed
    platform: nitter
    enabled: true
    source: {feed_url: https://nitter.example/newsbot/rss}
    priority: high
  - id: off-feed
    platform: rss
    enabled: false
    source: {feed_url: https://blog.example/feed.xml}
`

type bddTestContext struct {
	db           *sql.DB
	st           *store.Store
	handler      *handlers.Handler
	server       *httptest.Server
	engine       *editdetect.Engine
	lastResponse *http.Response
	lastBody     []byte
	lastDecision editdetect.Decision
}

func (ctx *bddTestContext) reset() {
	if ctx.lastResponse != nil && ctx.lastResponse.Body != nil {
		ctx.lastResponse.Body.Close()
	}
	ctx.lastResponse = nil
	ctx.lastBody = nil
	ctx.lastDecision = editdetect.Decision{}
}

func (ctx *bddTestContext) theDatabaseIsClean() error {
	tables := []string{
		"public.activity_log",
		"public.edit_detection_buffer",
		"public.published_posts",
		"public.source_state",
	}
	for _, table := range tables {
		if _, err := ctx.db.Exec(fmt.Sprintf("DELETE FROM %s", table)); err != nil {
			return fmt.Errorf("failed to clean %s: %w", table, err)
		}
	}
	return nil
}

func (ctx *bddTestContext) theAPIServerIsRunning() error {
	if ctx.server != nil {
		return nil
	}
	cfg, err := config.Parse([]byte(bddConfigYAML))
	if err != nil {
		return err
	}
	ctx.st = store.New(ctx.db)
	ctx.handler = handlers.New(ctx.st, cfg, log.Default())
	ctx.engine = editdetect.New(ctx.st.Buffer, log.Default())
	ctx.server = httptest.NewServer(handlers.Routes(ctx.handler))
	return nil
}

func (ctx *bddTestContext) iSendAGETRequestTo(path string) error {
	resp, err := http.Get(ctx.server.URL + path)
	if err != nil {
		return err
	}
	ctx.lastResponse = resp
	ctx.lastBody, err = io.ReadAll(resp.Body)
	return err
}

func (ctx *bddTestContext) iSendAPOSTRequestTo(path string) error {
	resp, err := http.Post(ctx.server.URL+path, "application/json", nil)
	if err != nil {
		return err
	}
	ctx.lastResponse = resp
	ctx.lastBody, err = io.ReadAll(resp.Body)
	return err
}

func (ctx *bddTestContext) theResponseStatusCodeShouldBe(code int) error {
	if ctx.lastResponse == nil {
		return fmt.Errorf("no response recorded")
	}
	if ctx.lastResponse.StatusCode != code {
		return fmt.Errorf("expected status %d, got %d (body: %s)", code, ctx.lastResponse.StatusCode, ctx.lastBody)
	}
	return nil
}

func (ctx *bddTestContext) theResponseShouldContainJSONWithSetTo(field, value string) error {
	var body map[string]any
	if err := json.Unmarshal(ctx.lastBody, &body); err != nil {
		return fmt.Errorf("response is not JSON: %w (body: %s)", err, ctx.lastBody)
	}
	got, ok := body[field]
	if !ok {
		return fmt.Errorf("field %q missing in %s", field, ctx.lastBody)
	}
	if fmt.Sprintf("%v", got) != value {
		return fmt.Errorf("field %q is %v, want %s", field, got, value)
	}
	return nil
}

func (ctx *bddTestContext) theSourceHasAStateRowWithPostsToday(sourceID string, posts int) error {
	return ctx.st.Sources.MarkSuccess(context.Background(), sourceID, posts)
}

func (ctx *bddTestContext) theResponseShouldListSourceWithPostsToday(sourceID string, posts int) error {
	var body struct {
		Sources []struct {
			ID    string `json:"id"`
			State *struct {
				PostsToday int `json:"postsToday"`
			} `json:"state"`
		} `json:"sources"`
	}
	if err := json.Unmarshal(ctx.lastBody, &body); err != nil {
		return err
	}
	for _, s := range body.Sources {
		if s.ID == sourceID {
			if s.State == nil {
				return fmt.Errorf("source %s has no state", sourceID)
			}
			if s.State.PostsToday != posts {
				return fmt.Errorf("source %s postsToday=%d, want %d", sourceID, s.State.PostsToday, posts)
			}
			return nil
		}
	}
	return fmt.Errorf("source %s not in listing: %s", sourceID, ctx.lastBody)
}

func (ctx *bddTestContext) aTriggerForShouldBeEnqueued(sourceID string) error {
	select {
	case got := <-ctx.handler.TriggerCh():
		if got != sourceID {
			return fmt.Errorf("enqueued %q, want %q", got, sourceID)
		}
		return nil
	default:
		return fmt.Errorf("no trigger enqueued")
	}
}

func (ctx *bddTestContext) theSourceShouldBeDisabled(sourceID string) error {
	return ctx.checkDisabled(sourceID, true)
}

func (ctx *bddTestContext) theSourceShouldNotBeDisabled(sourceID string) error {
	return ctx.checkDisabled(sourceID, false)
}

func (ctx *bddTestContext) checkDisabled(sourceID string, want bool) error {
	state, err := ctx.st.Sources.Get(context.Background(), sourceID)
	if err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("no state row for %s", sourceID)
	}
	if got := state.DisabledAt != nil; got != want {
		return fmt.Errorf("source %s disabled=%v, want %v", sourceID, got, want)
	}
	return nil
}

func (ctx *bddTestContext) anActivityEntryExistsForSource(action, sourceID string) error {
	return ctx.st.Activity.Record(context.Background(), sourceID, action, map[string]any{"postId": "12345"})
}

func (ctx *bddTestContext) theResponseShouldContainAnActivityEntryWithAction(action string) error {
	var body struct {
		Activity []struct {
			Action string `json:"action"`
		} `json:"activity"`
	}
	if err := json.Unmarshal(ctx.lastBody, &body); err != nil {
		return err
	}
	for _, e := range body.Activity {
		if e.Action == action {
			return nil
		}
	}
	return fmt.Errorf("no %q entry in %s", action, ctx.lastBody)
}

func (ctx *bddTestContext) theBufferContainsPostPublishedAs(postID, username, text, downstreamID string) error {
	return ctx.st.Buffer.Add(context.Background(), "news-feed", postID, username,
		editdetect.Normalize(text), editdetect.HashText(text), downstreamID)
}

func postFixture(id, username, text string) models.UniformPost {
	return models.UniformPost{
		ID:          id,
		Text:        text,
		Author:      models.Author{Username: username},
		PublishedAt: time.Now(),
	}
}

func (ctx *bddTestContext) theEngineEvaluatesPost(postID, username, text string) error {
	item := postFixture(postID, username, text)
	d, err := ctx.engine.Evaluate(context.Background(), item)
	if err != nil {
		return err
	}
	ctx.lastDecision = d
	return nil
}

func (ctx *bddTestContext) theDecisionShouldBe(action string) error {
	if got := ctx.lastDecision.Action.String(); got != action {
		return fmt.Errorf("decision %s, want %s", got, action)
	}
	return nil
}

func (ctx *bddTestContext) theDecisionShouldBeTargetingDownstream(action, downstreamID string) error {
	if err := ctx.theDecisionShouldBe(action); err != nil {
		return err
	}
	if ctx.lastDecision.DownstreamID != downstreamID {
		return fmt.Errorf("decision targets %q, want %q", ctx.lastDecision.DownstreamID, downstreamID)
	}
	return nil
}

func (ctx *bddTestContext) theLedgerRecordsPostForSource(postID, sourceID string) error {
	return ctx.st.Published.MarkPublished(context.Background(), sourceID, postID,
		"https://upstream.example/p/"+postID, "900", "")
}

func (ctx *bddTestContext) postForSourceShouldBeMarkedPublished(postID, sourceID string) error {
	return ctx.checkPublished(postID, sourceID, true)
}

func (ctx *bddTestContext) postForSourceShouldNotBeMarkedPublished(postID, sourceID string) error {
	return ctx.checkPublished(postID, sourceID, false)
}

func (ctx *bddTestContext) checkPublished(postID, sourceID string, want bool) error {
	got, err := ctx.st.Published.IsPublished(context.Background(), sourceID, postID)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("published(%s/%s)=%v, want %v", sourceID, postID, got, want)
	}
	return nil
}

func InitializeScenario(sc *godog.ScenarioContext) {
	databaseURL := os.Getenv("RELAY_TEST_DATABASE_URL")
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		panic(fmt.Sprintf("failed to connect to test database: %v", err))
	}

	testCtx := &bddTestContext{db: db}

	sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		testCtx.reset()
		return ctx, nil
	})
	sc.After(func(ctx context.Context, _ *godog.Scenario, _ error) (context.Context, error) {
		if testCtx.server != nil {
			testCtx.server.Close()
			testCtx.server = nil
		}
		return ctx, nil
	})

	sc.Step(`^the database is clean$`, testCtx.theDatabaseIsClean)
	sc.Step(`^the API server is running$`, testCtx.theAPIServerIsRunning)
	sc.Step(`^I send a GET request to "([^"]*)"$`, testCtx.iSendAGETRequestTo)
	sc.Step(`^I send a POST request to "([^"]*)"$`, testCtx.iSendAPOSTRequestTo)
	sc.Step(`^the response status code should be (\d+)$`, testCtx.theResponseStatusCodeShouldBe)
	sc.Step(`^the response should contain JSON with "([^"]*)" set to (.+)$`, testCtx.theResponseShouldContainJSONWithSetTo)
	sc.Step(`^the source "([^"]*)" has a state row with (\d+) posts today$`, testCtx.theSourceHasAStateRowWithPostsToday)
	sc.Step(`^the response should list source "([^"]*)" with (\d+) posts today$`, testCtx.theResponseShouldListSourceWithPostsToday)
	sc.Step(`^a trigger for "([^"]*)" should be enqueued$`, testCtx.aTriggerForShouldBeEnqueued)
	sc.Step(`^the source "([^"]*)" should be disabled$`, testCtx.theSourceShouldBeDisabled)
	sc.Step(`^the source "([^"]*)" should not be disabled$`, testCtx.theSourceShouldNotBeDisabled)
	sc.Step(`^an activity entry "([^"]*)" exists for source "([^"]*)"$`, testCtx.anActivityEntryExistsForSource)
	sc.Step(`^the response should contain an activity entry with action "([^"]*)"$`, testCtx.theResponseShouldContainAnActivityEntryWithAction)
	sc.Step(`^the buffer contains post "([^"]*)" by "([^"]*)" with text "([^"]*)" published as "([^"]*)"$`, testCtx.theBufferContainsPostPublishedAs)
	sc.Step(`^the engine evaluates post "([^"]*)" by "([^"]*)" with text "([^"]*)"$`, testCtx.theEngineEvaluatesPost)
	sc.Step(`^the decision should be "([^"]*)" targeting downstream "([^"]*)"$`, testCtx.theDecisionShouldBeTargetingDownstream)
	sc.Step(`^the decision should be "([^"]*)"$`, testCtx.theDecisionShouldBe)
	sc.Step(`^the ledger records post "([^"]*)" for source "([^"]*)"$`, testCtx.theLedgerRecordsPostForSource)
	sc.Step(`^post "([^"]*)" for source "([^"]*)" should be marked published$`, testCtx.postForSourceShouldBeMarkedPublished)
	sc.Step(`^post "([^"]*)" for source "([^"]*)" should not be marked published$`, testCtx.postForSourceShouldNotBeMarkedPublished)
}

func TestFeatures(t *testing.T) {
	if os.Getenv("RELAY_TEST_DATABASE_URL") == "" {
		t.Skip("RELAY_TEST_DATABASE_URL not set; skipping BDD suite")
	}
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
