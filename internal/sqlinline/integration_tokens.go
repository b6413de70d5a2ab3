package sqlinline

const QSelectIntegrationToken = `--sql 074aaa41-05a7-49c5-9f10-aa2a9b20ef24
select token
from integration_tokens
where provider = $1::text;
`

// QUpsertIntegrationToken keeps created_at of an existing row so rotations
// show up as updated_at moving.
const QUpsertIntegrationToken = `--sql 5dbda322-08e0-4d92-a6e4-2bde1b8e5289
insert into integration_tokens (provider, token, properties)
values ($1::text, $2::text, coalesce($3::jsonb, '{}'::jsonb))
on conflict (provider) do update set
  token = excluded.token,
  properties = integration_tokens.properties || excluded.properties,
  updated_at = now();
`

const QDeleteIntegrationToken = `--sql 5c04aadf-81db-4079-b49c-a0507ab4dcd5
delete from integration_tokens
where provider = $1::text;
`

// QListIntegrationTokens never selects the token itself.
const QListIntegrationTokens = `--sql 3f1c9a8e-6b2d-4e57-9c40-d81a7e25b6f3
select provider, properties, created_at, updated_at
from integration_tokens
order by provider;
`
