package asr

import (
	"context"
	"fmt"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/status"
)

// GoogleFactory opens Google Cloud Speech streaming sessions configured for
// long-form speech in a fixed language.
type GoogleFactory struct {
	client      *speech.Client
	language    string
	phraseHints []string
	phraseBoost float32
}

// NewGoogleFactory creates the shared speech client. credentialsJSON may be
// empty to use ambient application credentials.
func NewGoogleFactory(ctx context.Context, language string, phraseHints []string, phraseBoost float32, credentialsJSON string) (*GoogleFactory, error) {
	var opts []option.ClientOption
	if credentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	return &GoogleFactory{
		client:      client,
		language:    language,
		phraseHints: phraseHints,
		phraseBoost: phraseBoost,
	}, nil
}

// Open starts one streaming recognition session. Reads PCM s16le 16kHz mono.
func (f *GoogleFactory) Open(ctx context.Context) (Stream, error) {
	stream, err := f.client.StreamingRecognize(ctx)
	if err != nil {
		return nil, fmt.Errorf("start streaming: %w", err)
	}

	cfg := &speechpb.RecognitionConfig{
		Encoding:                   speechpb.RecognitionConfig_LINEAR16,
		SampleRateHertz:            16000,
		LanguageCode:               f.language,
		EnableAutomaticPunctuation: true,
		Model:                      "latest_long",
		UseEnhanced:                true,
	}
	if len(f.phraseHints) > 0 {
		cfg.SpeechContexts = []*speechpb.SpeechContext{{
			Phrases: f.phraseHints,
			Boost:   f.phraseBoost,
		}}
	}

	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         cfg,
				InterimResults: true,
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("send config: %w", err)
	}

	return &googleStream{inner: stream}, nil
}

func (f *GoogleFactory) Close() error {
	return f.client.Close()
}

// googleStream adapts the generated bidirectional stream. A response can
// carry several results; they are queued and handed out one at a time.
type googleStream struct {
	inner speechpb.Speech_StreamingRecognizeClient
	queue []Result
}

func (g *googleStream) Send(chunk []byte) error {
	return g.inner.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: chunk,
		},
	})
}

func (g *googleStream) Recv() (Result, error) {
	for len(g.queue) == 0 {
		resp, err := g.inner.Recv()
		if err != nil {
			return Result{}, err
		}
		if e := resp.GetError(); e != nil {
			return Result{}, status.ErrorProto(e)
		}
		for _, r := range resp.GetResults() {
			if len(r.GetAlternatives()) == 0 {
				continue
			}
			g.queue = append(g.queue, Result{
				Text:    r.GetAlternatives()[0].GetTranscript(),
				IsFinal: r.GetIsFinal(),
			})
		}
	}
	res := g.queue[0]
	g.queue = g.queue[1:]
	return res, nil
}

func (g *googleStream) CloseSend() error {
	return g.inner.CloseSend()
}
