package capability

import (
	"context"
	"fmt"
)

// Call runs fn against each provider in order. On a retryable failure class
// (auth, rate limit, quota) it advances to the next provider; on any other
// class it stops and returns that failure. An exhausted chain returns a
// failure naming the last underlying error. The returned provider is the one
// that produced the successful result.
func Call[P Provider, T any](ctx context.Context, providers []P, fn func(context.Context, P) (T, error)) (T, P, error) {
	var zero T
	var zeroP P
	if len(providers) == 0 {
		return zero, zeroP, fmt.Errorf("empty provider chain")
	}

	var lastErr error
	for _, p := range providers {
		out, err := fn(ctx, p)
		if err == nil {
			return out, p, nil
		}
		lastErr = WrapError(p.Name(), err)
		if !ClassOf(lastErr).Retryable() {
			return zero, zeroP, lastErr
		}
	}
	return zero, zeroP, fmt.Errorf("all providers failed, last error: %w", lastErr)
}

// CallStream applies the same ordering and fallback policy to a streaming
// operation. Once a provider opens its stream the chain commits to it: a
// failure after that point is delivered in-stream, never by falling back.
func CallStream[P Provider, T any](ctx context.Context, providers []P, fn func(context.Context, P) (<-chan T, error)) (<-chan T, P, error) {
	var zeroP P
	if len(providers) == 0 {
		return nil, zeroP, fmt.Errorf("empty provider chain")
	}

	var lastErr error
	for _, p := range providers {
		stream, err := fn(ctx, p)
		if err == nil {
			return stream, p, nil
		}
		lastErr = WrapError(p.Name(), err)
		if !ClassOf(lastErr).Retryable() {
			return nil, zeroP, lastErr
		}
	}
	return nil, zeroP, fmt.Errorf("all providers failed, last error: %w", lastErr)
}

// TextChain narrows a provider chain to text providers. Chains are resolved
// per kind, so a mismatch is a programming error surfaced as ErrUnsupportedProvider.
func TextChain(providers []Provider) ([]TextProvider, error) {
	out := make([]TextProvider, 0, len(providers))
	for _, p := range providers {
		tp, ok := p.(TextProvider)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not a text provider", ErrUnsupportedProvider, p.Name())
		}
		out = append(out, tp)
	}
	return out, nil
}

func ImageChain(providers []Provider) ([]ImageProvider, error) {
	out := make([]ImageProvider, 0, len(providers))
	for _, p := range providers {
		ip, ok := p.(ImageProvider)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not an image provider", ErrUnsupportedProvider, p.Name())
		}
		out = append(out, ip)
	}
	return out, nil
}

func VideoChain(providers []Provider) ([]VideoProvider, error) {
	out := make([]VideoProvider, 0, len(providers))
	for _, p := range providers {
		vp, ok := p.(VideoProvider)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not a video provider", ErrUnsupportedProvider, p.Name())
		}
		out = append(out, vp)
	}
	return out, nil
}

func SpeechChain(providers []Provider) ([]SpeechProvider, error) {
	out := make([]SpeechProvider, 0, len(providers))
	for _, p := range providers {
		sp, ok := p.(SpeechProvider)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not a speech provider", ErrUnsupportedProvider, p.Name())
		}
		out = append(out, sp)
	}
	return out, nil
}

func LipsyncChain(providers []Provider) ([]LipsyncProvider, error) {
	out := make([]LipsyncProvider, 0, len(providers))
	for _, p := range providers {
		lp, ok := p.(LipsyncProvider)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not a lipsync provider", ErrUnsupportedProvider, p.Name())
		}
		out = append(out, lp)
	}
	return out, nil
}
