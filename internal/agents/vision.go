package agents

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	ctxengine "github.com/user/crowdwatch/internal/context"
	"github.com/user/crowdwatch/internal/runtime"
	"github.com/user/crowdwatch/internal/state"
	"github.com/user/crowdwatch/internal/types"
)

// MediaAnalyzed is the message type the vision agent hands to the incident agent.
const MediaAnalyzed = "media_analyzed"

// MediaEvent is a media-upload notification.
type MediaEvent struct {
	FileURL string `json:"fileUrl"`
	Zone    string `json:"zone"`
	DocID   string `json:"docId,omitempty"`
}

func mediaEventFrom(in *runtime.Input) MediaEvent {
	str := func(k string) string {
		s, _ := in.Event[k].(string)
		return s
	}
	return MediaEvent{FileURL: str("fileUrl"), Zone: str("zone"), DocID: str("docId")}
}

// Vision analyses uploaded images and forwards the analysis to the incident
// agent.
type Vision struct {
	domain        *state.Domain
	fetcher       MediaFetcher
	incidentTopic string
	logger        *zap.Logger
}

func NewVision(domain *state.Domain, fetcher MediaFetcher, incidentTopic string, logger *zap.Logger) *Vision {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Vision{
		domain:        domain,
		fetcher:       fetcher,
		incidentTopic: incidentTopic,
		logger:        logger.With(zap.String("component", "agent"), zap.String("agent", NameVision)),
	}
}

func (v *Vision) Profile() runtime.Profile {
	return runtime.Profile{Name: NameVision, Structured: true, OutputTopic: v.incidentTopic}
}

// Snapshot validates the event, loads the zone and fetches the image. Events
// without fileUrl or zone are rejected permanently.
func (v *Vision) Snapshot(ctx context.Context, in *runtime.Input) (any, error) {
	ev := mediaEventFrom(in)
	if ev.FileURL == "" {
		return nil, types.Permanent(&types.ValidationError{Field: "fileUrl", Reason: "required"})
	}
	if ev.Zone == "" {
		return nil, types.Permanent(&types.ValidationError{Field: "zone", Reason: "required"})
	}
	zone, err := v.domain.Zone(ctx, ev.Zone)
	switch {
	case types.IsNotFound(err):
		zone = types.Record{"id": ev.Zone}
	case err != nil:
		return nil, err
	}
	img, err := v.fetcher.Fetch(ctx, ev.FileURL)
	if err != nil {
		return nil, err
	}
	in.Image = img
	return zone, nil
}

func (v *Vision) Instructions(_ *runtime.Input, snapshot any) (string, error) {
	return ctxengine.Render(ctxengine.PromptVision, ctxengine.VisionData{Zone: snapshot})
}

// Act writes a parsed analysis back to the media and zone documents and
// forwards it. An unparseable analysis is forwarded with an error marker and
// writes nothing.
func (v *Vision) Act(ctx context.Context, in *runtime.Input, _ any, res *runtime.Interpretation) (*runtime.Result, error) {
	ev := mediaEventFrom(in)
	analysis := res.Structured
	if analysis != nil {
		if err := v.writeBack(ctx, ev, analysis); err != nil {
			return nil, err
		}
	} else {
		analysis = map[string]any{"peopleCount": 0, "error": "failed to parse analysis"}
	}

	msg := map[string]any{}
	for k, val := range analysis {
		msg[k] = val
	}
	msg["type"] = MediaAnalyzed
	msg["fileUrl"] = ev.FileURL
	msg["zone"] = ev.Zone
	msg["docId"] = ev.DocID
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)

	return &runtime.Result{
		Reply:   fmt.Sprintf("Analyzed %s for %s: %s", ev.FileURL, ev.Zone, res.Raw),
		Message: msg,
		Memory:  map[string]any{"fileUrl": ev.FileURL, "zone": ev.Zone, "docId": ev.DocID, "analysis": analysis},
		Value:   analysis,
	}, nil
}

func (v *Vision) writeBack(ctx context.Context, ev MediaEvent, analysis map[string]any) error {
	if ev.DocID != "" {
		patch := types.Record{}
		for k, val := range analysis {
			patch[k] = val
		}
		patch["processed"] = true
		patch["analysisTimestamp"] = types.ServerTimestamp
		if err := v.domain.PatchMedia(ctx, ev.DocID, patch); err != nil {
			if !types.IsNotFound(err) {
				return err
			}
			v.logger.Warn("media document missing", zap.String("doc_id", ev.DocID))
		}
	}
	if n, ok := types.Record(analysis).Int("peopleCount"); ok {
		if err := v.domain.PatchZone(ctx, ev.Zone, types.Record{"currentOccupancy": n}); err != nil {
			if !types.IsNotFound(err) {
				return err
			}
			v.logger.Warn("zone document missing", zap.String("zone", ev.Zone))
		}
	}
	return nil
}
