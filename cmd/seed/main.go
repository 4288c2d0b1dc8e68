package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"annotation-backend/cmd"
	"annotation-backend/pkg/api"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
)

// Seeds a running backend with a workspace, imported schemas, and a bundle of
// assets (uploaded documents and/or inline text from a JSONL file), then
// optionally submits a run and waits for it to finish. Intended for
// exercising a local instance.

const assetBatchSize = 100

func post[T any](client *resty.Client, url string, body any) (T, error) {
	var out T

	res, err := client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&out).
		Post(url)

	if err != nil {
		return out, fmt.Errorf("error calling %s: %w", url, err)
	}
	if !res.IsSuccess() {
		return out, fmt.Errorf("%s returned status %d: %s", url, res.StatusCode(), res.String())
	}

	return out, nil
}

func get[T any](client *resty.Client, url string) (T, error) {
	var out T

	res, err := client.R().
		SetResult(&out).
		Get(url)

	if err != nil {
		return out, fmt.Errorf("error calling %s: %w", url, err)
	}
	if !res.IsSuccess() {
		return out, fmt.Errorf("%s returned status %d: %s", url, res.StatusCode(), res.String())
	}

	return out, nil
}

func createWorkspace(client *resty.Client, name string) (uuid.UUID, error) {
	res, err := post[api.CreateWorkspaceResponse](client, "/workspaces", api.CreateWorkspaceRequest{Name: name})
	if err != nil {
		return uuid.Nil, err
	}
	return res.WorkspaceId, nil
}

func importSchemas(client *resty.Client, workspaceId uuid.UUID, path string) (api.ImportSchemasResponse, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return api.ImportSchemasResponse{}, fmt.Errorf("error reading schemas file: %w", err)
	}

	return post[api.ImportSchemasResponse](client, fmt.Sprintf("/workspaces/%s/schemas/import", workspaceId), data)
}

func listSchemaIds(client *resty.Client, workspaceId uuid.UUID) ([]uuid.UUID, error) {
	schemas, err := get[[]api.Schema](client, fmt.Sprintf("/workspaces/%s/schemas", workspaceId))
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(schemas))
	for _, schema := range schemas {
		ids = append(ids, schema.Id)
	}
	return ids, nil
}

func createBundle(client *resty.Client, workspaceId uuid.UUID, name string) (uuid.UUID, error) {
	res, err := post[api.CreateBundleResponse](client, fmt.Sprintf("/workspaces/%s/bundles", workspaceId), api.CreateBundleRequest{Name: name})
	if err != nil {
		return uuid.Nil, err
	}
	return res.BundleId, nil
}

func uploadFile(client *resty.Client, workspaceId, bundleId uuid.UUID, path string) error {
	created, err := post[api.CreateAssetsResponse](client, fmt.Sprintf("/workspaces/%s/assets", workspaceId), api.CreateAssetRequest{
		Kind:     "document",
		Title:    filepath.Base(path),
		BundleId: &bundleId,
	})
	if err != nil {
		return err
	}
	if len(created.AssetIds) != 1 {
		return fmt.Errorf("asset creation failed: %v", created.Errors)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening %s: %w", path, err)
	}
	defer f.Close()

	res, err := client.R().
		SetFileReader("file", filepath.Base(path), f).
		Post(fmt.Sprintf("/assets/%s/upload", created.AssetIds[0]))

	if err != nil {
		return fmt.Errorf("error uploading %s: %w", path, err)
	}
	if !res.IsSuccess() {
		return fmt.Errorf("upload of %s returned status %d: %s", path, res.StatusCode(), res.String())
	}

	return nil
}

func uploadDirectory(client *resty.Client, workspaceId, bundleId uuid.UUID, dir string) (int, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("error walking directory: %w", err)
	}

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetDescription("uploading"),
		progressbar.OptionSetWidth(30),
		progressbar.OptionClearOnFinish(),
	)

	uploaded := 0
	for _, path := range files {
		if err := uploadFile(client, workspaceId, bundleId, path); err != nil {
			log.Printf("Error uploading %s: %v", path, err)
		} else {
			uploaded++
		}
		_ = bar.Add(1)
	}

	return uploaded, nil
}

// createFromJSONL reads one CreateAssetRequest object per line and creates
// the assets through the bulk endpoint in batches. Lines without a bundle go
// into the seeded bundle.
func createFromJSONL(client *resty.Client, workspaceId, bundleId uuid.UUID, path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("error opening %s: %w", path, err)
	}
	defer f.Close()

	var items []api.CreateAssetRequest
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}

		var item api.CreateAssetRequest
		if err := json.Unmarshal(text, &item); err != nil {
			return 0, 0, fmt.Errorf("error parsing line %d of %s: %w", line, path, err)
		}
		if item.Kind == "" {
			item.Kind = "text"
		}
		if item.BundleId == nil {
			item.BundleId = &bundleId
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, fmt.Errorf("error reading %s: %w", path, err)
	}

	bar := progressbar.NewOptions(len(items),
		progressbar.OptionSetDescription("creating assets"),
		progressbar.OptionSetWidth(30),
		progressbar.OptionClearOnFinish(),
	)

	created, failed := 0, 0
	for start := 0; start < len(items); start += assetBatchSize {
		end := min(start+assetBatchSize, len(items))

		res, err := post[api.CreateAssetsResponse](client, fmt.Sprintf("/workspaces/%s/assets", workspaceId), items[start:end])
		if err != nil {
			return created, failed, err
		}
		created += len(res.AssetIds)
		failed += res.Failed
		for _, msg := range res.Errors {
			log.Printf("Asset error: %s", msg)
		}
		_ = bar.Add(end - start)
	}

	return created, failed, nil
}

func startRun(client *resty.Client, workspaceId, bundleId uuid.UUID, engine string, schemaIds []uuid.UUID) (uuid.UUID, error) {
	res, err := post[api.CreateRunResponse](client, fmt.Sprintf("/workspaces/%s/runs", workspaceId), api.CreateRunRequest{
		Name:      "Seed Run",
		Engine:    engine,
		SchemaIds: schemaIds,
		BundleId:  &bundleId,
	})
	if err != nil {
		return uuid.Nil, err
	}
	return res.RunId, nil
}

func waitForRun(client *resty.Client, runId uuid.UUID) error {
	for {
		run, err := get[api.Run](client, fmt.Sprintf("/runs/%s", runId))
		if err != nil {
			return err
		}

		fmt.Printf("Run %s: %d/%d annotations succeeded, %d failed\n", run.Status, run.SucceededAnnotationCount, run.TotalAnnotationCount, run.FailedAnnotationCount)

		switch run.Status {
		case "COMPLETED", "COMPLETED_WITH_ERRORS", "FAILED":
			return nil
		}

		time.Sleep(2 * time.Second)
	}
}

func main() {
	apiURL := flag.String("api", "", "base URL of the backend API, defaults to $API_URL or http://localhost:3001/api/v1")
	workspaceName := flag.String("workspace", "Demo Workspace", "name of the workspace to create")
	schemasPath := flag.String("schemas", "", "path to a JSON file of schemas to import")
	bundleName := flag.String("bundle", "Seed Bundle", "name of the bundle to create")
	dir := flag.String("dir", "", "directory of documents to upload into the bundle")
	jsonlPath := flag.String("jsonl", "", "JSONL file of assets to create in the bundle")
	engine := flag.String("engine", "gpt-4o-mini", "engine to use when submitting a run")
	submitRun := flag.Bool("run", false, "submit a run over the seeded bundle and wait for it to finish")
	cmd.LoadEnvFile()

	if *apiURL == "" {
		*apiURL = os.Getenv("API_URL")
	}
	if *apiURL == "" {
		*apiURL = "http://localhost:3001/api/v1"
	}

	client := resty.New().
		SetBaseURL(*apiURL).
		SetTimeout(60 * time.Second)

	workspaceId, err := createWorkspace(client, *workspaceName)
	if err != nil {
		log.Fatalf("Error creating workspace: %v", err)
	}
	fmt.Printf("Created workspace %s\n", workspaceId)

	if *schemasPath != "" {
		imported, err := importSchemas(client, workspaceId, *schemasPath)
		if err != nil {
			log.Fatalf("Error importing schemas: %v", err)
		}
		fmt.Printf("Imported %d schemas, %d failed\n", imported.Imported, imported.Failed)
		for _, msg := range imported.Errors {
			log.Printf("Schema import error: %s", msg)
		}
	}

	bundleId, err := createBundle(client, workspaceId, *bundleName)
	if err != nil {
		log.Fatalf("Error creating bundle: %v", err)
	}
	fmt.Printf("Created bundle %s\n", bundleId)

	if *dir != "" {
		uploaded, err := uploadDirectory(client, workspaceId, bundleId, *dir)
		if err != nil {
			log.Fatalf("Error uploading documents: %v", err)
		}
		fmt.Printf("Uploaded %d documents\n", uploaded)
	}

	if *jsonlPath != "" {
		created, failed, err := createFromJSONL(client, workspaceId, bundleId, *jsonlPath)
		if err != nil {
			log.Fatalf("Error creating assets from %s: %v", *jsonlPath, err)
		}
		fmt.Printf("Created %d assets from %s, %d failed\n", created, *jsonlPath, failed)
	}

	if *submitRun {
		schemaIds, err := listSchemaIds(client, workspaceId)
		if err != nil {
			log.Fatalf("Error listing schemas: %v", err)
		}
		if len(schemaIds) == 0 {
			log.Fatalf("Cannot submit a run without schemas, pass -schemas")
		}

		runId, err := startRun(client, workspaceId, bundleId, *engine, schemaIds)
		if err != nil {
			log.Fatalf("Error submitting run: %v", err)
		}
		fmt.Printf("Submitted run %s\n", runId)

		if err := waitForRun(client, runId); err != nil {
			log.Fatalf("Error waiting for run: %v", err)
		}
	}
}
