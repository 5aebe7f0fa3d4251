package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/disintegration/imaging"
	"google.golang.org/api/option"
)

// getGoogleClient initializes a Google Cloud Storage client.
// Prefers ADC (Cloud Run service account / GOOGLE_APPLICATION_CREDENTIALS);
// set GCS_CREDENTIALS_JSON to provide explicit JSON locally.
func getGoogleClient(ctx context.Context) (*storage.Client, error) {
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

func bucketName() (string, error) {
	name := os.Getenv("GCS_BUCKET")
	if name == "" {
		return "", errors.New("GCS_BUCKET is required")
	}
	return name, nil
}

// SaveDocumentToGCS uploads a rendered document (invoice HTML/PDF, report
// workbook) and returns a public URL.
func SaveDocumentToGCS(ctx context.Context, objectName string, contentType string, data []byte) (string, error) {
	bucket, err := bucketName()
	if err != nil {
		return "", err
	}
	client, err := getGoogleClient(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	wc := client.Bucket(bucket).Object(objectName).NewWriter(ctx)
	wc.ContentType = contentType
	wc.Metadata = map[string]string{
		"x-goog-acl": "public-read",
	}
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return "", err
	}
	if err := wc.Close(); err != nil {
		return "", err
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", bucket, objectName), nil
}

// SavePhotoToGCS uploads a damage-scan or site photo with a 200px-wide
// thumbnail alongside it. Returns the photo URL and the thumbnail URL.
func SavePhotoToGCS(ctx context.Context, objectName string, data []byte) (string, string, error) {
	photoURL, err := SaveDocumentToGCS(ctx, objectName, "image/jpeg", data)
	if err != nil {
		return "", "", err
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		// Photo itself uploaded fine; callers can live without a thumbnail.
		return photoURL, "", nil
	}
	thumbnail := imaging.Resize(img, 200, 0, imaging.Lanczos)
	var thumbBuffer bytes.Buffer
	if err := imaging.Encode(&thumbBuffer, thumbnail, imaging.JPEG); err != nil {
		return photoURL, "", nil
	}

	thumbName := strings.TrimSuffix(objectName, ".jpg") + "_thumb.jpg"
	thumbURL, err := SaveDocumentToGCS(ctx, thumbName, "image/jpeg", thumbBuffer.Bytes())
	if err != nil {
		return photoURL, "", nil
	}
	return photoURL, thumbURL, nil
}
