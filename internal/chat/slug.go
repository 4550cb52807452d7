package chat

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

const maxSlugAttempts = 10

var ErrSlugExhausted = errors.New("no free slug within retry budget")

// SlugExistsFunc reports whether a slug is already assigned.
type SlugExistsFunc func(ctx context.Context, slug string) (bool, error)

// BaseSlug derives the deterministic slug for a listing and an unordered pair.
func BaseSlug(category Category, listingID, partyA, partyB string) string {
	low, high := orderedPair(partyA, partyB)
	h := xxhash.Sum64String(listingID + ":" + low + ":" + high)
	if category == "" {
		category = CategoryOther
	}
	return fmt.Sprintf("%s-%s", category, strconv.FormatUint(h, 36))
}

// UniqueSlug returns base if it is free, otherwise base-1, base-2... until a
// free candidate is found or maxSlugAttempts candidates have been checked.
func UniqueSlug(ctx context.Context, base string, exists SlugExistsFunc) (string, error) {
	candidate := base
	for n := 1; n <= maxSlugAttempts; n++ {
		taken, err := exists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, n)
	}
	return "", ErrSlugExhausted
}

func orderedPair(a, b string) (string, string) {
	if a <= b {
		return a, b
	}
	return b, a
}
