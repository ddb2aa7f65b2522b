package qtx

import (
	"context"
	"fmt"
)

type participantResponse struct {
	enlId int
	vote  Vote
	err   error
}

// ---

// fanOut конкурентно применяет call к каждому участнику и дожидается всех ответов. Медленный участник не
// задерживает остальных, но результат возвращается только после последнего ответа.
func fanOut(
	ctx context.Context, enls []*ResourceHandle, call func(context.Context, *ResourceHandle) (Vote, error),
) []participantResponse {
	responses := make(chan participantResponse, len(enls))
	for i, enl := range enls {
		go func() {
			resp := invoke(ctx, enl, call)
			resp.enlId = i
			responses <- resp
		}()
	}

	result := make([]participantResponse, len(enls))
	for range enls {
		resp := <-responses
		result[resp.enlId] = resp
	}
	return result
}

// invoke применяет call к участнику. Паника участника превращается в ошибку ответа.
func invoke(
	ctx context.Context, enl *ResourceHandle, call func(context.Context, *ResourceHandle) (Vote, error),
) (resp participantResponse) {
	defer func() {
		if r := recover(); r != nil {
			resp.vote = VoteAbort
			resp.err = fmt.Errorf("#TX_PARTICIPANT_PANIC: %s: %v", enl.name, r)
		}
	}()
	resp.vote, resp.err = call(ctx, enl)
	return resp
}

func prepareCall(ctx context.Context, h *ResourceHandle) (Vote, error) {
	vote, err := h.resource.Prepare(ctx)
	if err != nil {
		return VoteAbort, err
	}
	return vote, nil
}

func commitCall(ctx context.Context, h *ResourceHandle) (Vote, error) {
	return VoteCommit, h.resource.Commit(ctx, false)
}

func onePhaseCall(ctx context.Context, h *ResourceHandle) (Vote, error) {
	return VoteCommit, h.resource.Commit(ctx, true)
}

func rollbackCall(ctx context.Context, h *ResourceHandle) (Vote, error) {
	return VoteAbort, h.resource.Rollback(ctx)
}
