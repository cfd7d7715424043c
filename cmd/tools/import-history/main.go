// Command import-history ingests an offline export of listening history
// (a JSON file of plays with exact ms_played values) for one user. Import
// rows claim estimated API rows at the same (user, track, played_at) and
// are never overwritten by later API pulls. Progress is tracked through an
// import_jobs row so an abandoned run is visible. The row is set to
// PROCESSING as soon as the run starts, and the cleanup-stale-imports cron
// op reaps only PENDING rows, so a run abandoned after that stays PROCESSING.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"github.com/kvass-analytics/ingestor/internal/aggregate"
	"github.com/kvass-analytics/ingestor/internal/catalog"
	"github.com/kvass-analytics/ingestor/internal/config"
	"github.com/kvass-analytics/ingestor/internal/models"
	"github.com/kvass-analytics/ingestor/internal/provider"
	"github.com/kvass-analytics/ingestor/internal/repository"
)

const importBatchSize = 50

type importedPlay struct {
	Track    provider.RawTrack `json:"track"`
	PlayedAt time.Time         `json:"played_at"`
	MsPlayed int64             `json:"ms_played"`
}

func main() {
	var userID, filePath string
	flag.StringVar(&userID, "user", "", "internal user id to import for (required)")
	flag.StringVar(&filePath, "file", "", "path to the JSON export file (required)")
	flag.Parse()

	if userID == "" || filePath == "" {
		log.Fatal("import-history: -user and -file are required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("import-history: config: %v", err)
	}

	ctx := context.Background()

	repo, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("import-history: repository: %v", err)
	}
	defer repo.Close()

	if _, err := repo.GetUser(ctx, userID); err != nil {
		log.Fatalf("import-history: user %s not found: %v", userID, err)
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		log.Fatalf("import-history: read %s: %v", filePath, err)
	}
	var plays []importedPlay
	if err := json.Unmarshal(data, &plays); err != nil {
		log.Fatalf("import-history: parse %s: %v", filePath, err)
	}
	if len(plays) == 0 {
		log.Println("import-history: file contains no plays, nothing to do")
		return
	}

	job, err := repo.CreateImportJob(ctx, userID)
	if err != nil {
		log.Fatalf("import-history: create import job: %v", err)
	}
	if err := repo.UpdateImportJobStatus(ctx, job.ID, models.ImportProcessing); err != nil {
		log.Fatalf("import-history: mark processing: %v", err)
	}

	added, updated, skipped, err := runImport(ctx, repo, userID, plays)
	if err != nil {
		if failErr := repo.UpdateImportJobStatus(ctx, job.ID, models.ImportFailed); failErr != nil {
			log.Printf("import-history: mark failed: %v", failErr)
		}
		log.Fatalf("import-history: %v", err)
	}

	if err := repo.UpdateImportJobStatus(ctx, job.ID, models.ImportCompleted); err != nil {
		log.Fatalf("import-history: mark completed: %v", err)
	}
	log.Printf("import-history: job %s done: %d added, %d updated, %d skipped of %d plays",
		job.ID, added, updated, skipped, len(plays))
}

// runImport pushes plays through the same catalog/insert/aggregate path
// the live ingestor uses, in provider-batch-sized chunks, with
// source=import and exact (non-estimated) ms_played values.
func runImport(ctx context.Context, repo *repository.Repository, userID string, plays []importedPlay) (added, updated, skipped int, err error) {
	upserter := catalog.New(repo, nil)
	aggregator := aggregate.New(repo)

	settings, err := repo.GetSettings(ctx, userID)
	if err != nil {
		return 0, 0, 0, err
	}

	for start := 0; start < len(plays); start += importBatchSize {
		end := start + importBatchSize
		if end > len(plays) {
			end = len(plays)
		}
		batch := plays[start:end]

		tracks := make([]provider.RawTrack, 0, len(batch))
		for _, p := range batch {
			tracks = append(tracks, p.Track)
		}
		resolved, err := upserter.UpsertTracks(ctx, tracks)
		if err != nil {
			return added, updated, skipped, err
		}

		trackArtists := make(map[string][]string, len(batch))
		events := make([]models.ListeningEvent, 0, len(batch))
		for _, p := range batch {
			internalID, ok := resolved.TrackIDs[p.Track.ProviderID]
			if !ok {
				skipped++
				continue
			}
			artistIDs := make([]string, 0, len(p.Track.Artists))
			for _, a := range p.Track.Artists {
				if id, ok := resolved.ArtistIDs[a.ProviderID]; ok {
					artistIDs = append(artistIDs, id)
				}
			}
			trackArtists[internalID] = artistIDs
			events = append(events, models.ListeningEvent{
				UserID:      userID,
				TrackID:     internalID,
				PlayedAt:    p.PlayedAt,
				MsPlayed:    p.MsPlayed,
				IsEstimated: false,
				Source:      models.SourceImport,
			})
		}

		results, err := repo.InsertEvents(ctx, events)
		if err != nil {
			return added, updated, skipped, err
		}

		var inputs []aggregate.Input
		for i, res := range results {
			switch res.Outcome {
			case repository.EventAdded:
				added++
				inputs = append(inputs, aggregate.Input{
					TrackID:   res.TrackID,
					ArtistIDs: trackArtists[res.TrackID],
					PlayedAt:  res.PlayedAt,
					MsPlayed:  events[i].MsPlayed,
				})
			case repository.EventUpdated:
				updated++
			default:
				skipped++
			}
		}
		if len(inputs) > 0 {
			if err := aggregator.Apply(ctx, userID, inputs, settings.Timezone); err != nil {
				return added, updated, skipped, err
			}
		}
	}
	return added, updated, skipped, nil
}
